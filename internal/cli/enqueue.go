// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/groupq/groupq"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <method> <payload>",
	Short: "Submit a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("queue", "default", "queue to enqueue the task into")
	enqueueCmd.Flags().String("group", "", "group label for ordered delivery")
	enqueueCmd.Flags().String("id", "", "explicit task ID (defaults to a generated one)")
	enqueueCmd.Flags().String("priority", "normal", "low | normal | high | critical")
	enqueueCmd.Flags().Int("max-retries", 0, "maximum retry attempts")
	enqueueCmd.Flags().Duration("retry-delay", 0, "base delay between retries")
	enqueueCmd.Flags().Duration("timeout", 0, "handler execution timeout")
	enqueueCmd.Flags().Duration("process-in", 0, "delay before the task becomes eligible")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	method, payload := args[0], args[1]

	priorityName, _ := cmd.Flags().GetString("priority")
	priority, err := groupq.ParsePriority(priorityName)
	if err != nil {
		return err
	}
	queue, _ := cmd.Flags().GetString("queue")
	group, _ := cmd.Flags().GetString("group")
	id, _ := cmd.Flags().GetString("id")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	processIn, _ := cmd.Flags().GetDuration("process-in")

	opts := []groupq.Option{
		groupq.Queue(queue),
		groupq.WithPriority(priority),
		groupq.MaxRetries(maxRetries),
	}
	if group != "" {
		opts = append(opts, groupq.Group(group))
	}
	if id != "" {
		opts = append(opts, groupq.TaskID(id))
	}
	if retryDelay > 0 {
		opts = append(opts, groupq.RetryDelay(retryDelay))
	}
	if timeout > 0 {
		opts = append(opts, groupq.Timeout(timeout))
	}
	if processIn > 0 {
		opts = append(opts, groupq.ProcessIn(processIn))
	}

	client := newClient()
	defer client.Close()

	info, err := client.Enqueue(groupq.NewTask(method, []byte(payload)), opts...)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued id=%s queue=%s group=%s state=%s\n", info.ID, info.Queue, info.Group, info.State)
	if processIn > 0 {
		fmt.Printf("eligible at %s\n", info.NextProcessAt.Format(time.RFC3339))
	}
	return nil
}
