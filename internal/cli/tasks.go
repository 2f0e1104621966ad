// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/rdb"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks <group>",
	Short: "List the tasks of a group",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().String("state", "", "filter by state: waiting | active | completed | failed | delayed | paused")
}

func runTasks(cmd *cobra.Command, args []string) error {
	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis_addr"),
		Password: viper.GetString("redis_password"),
		DB:       viper.GetInt("redis_db"),
	})
	defer client.Close()
	r := rdb.NewRDB(client)

	var state base.TaskState
	if name, _ := cmd.Flags().GetString("state"); name != "" {
		var err error
		state, err = base.TaskStateFromString(name)
		if err != nil {
			return err
		}
	}

	infos, err := r.ListGroupTasks(context.Background(), args[0], state)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tQUEUE\tSTATE\tATTEMPTS\tLAST ERROR\tUPDATED")
	for _, info := range infos {
		m := info.Message
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Method, m.Queue, info.State, m.Attempts, m.LastError,
			time.UnixMilli(m.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}
