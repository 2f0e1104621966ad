// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/groupq/groupq/internal/rdb"
)

var statsCmd = &cobra.Command{
	Use:   "stats [group]",
	Short: "Show group counters",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func runStats(_ *cobra.Command, args []string) error {
	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis_addr"),
		Password: viper.GetString("redis_password"),
		DB:       viper.GetInt("redis_db"),
	})
	defer client.Close()
	r := rdb.NewRDB(client)

	ctx := context.Background()
	var groups []string
	if len(args) == 1 {
		groups = args
	} else {
		var err error
		groups, err = r.ListGroups(ctx)
		if err != nil {
			return err
		}
		sort.Strings(groups)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTOTAL\tACTIVE\tCOMPLETED\tFAILED\tPAUSED")
	for _, g := range groups {
		stats, err := r.GroupStats(ctx, g)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			stats.Group, stats.Total, stats.Active, stats.Completed, stats.Failed, stats.Paused)
	}
	return w.Flush()
}
