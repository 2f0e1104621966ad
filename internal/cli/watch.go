// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/groupq/groupq"
)

var watchCmd = &cobra.Command{
	Use:   "watch [kind...]",
	Short: "Tail lifecycle events from the bus",
	Long: `Tail lifecycle events from the event bus.

With no arguments every kind is shown. Kinds:
  status_change task_added task_completed task_failed
  group_change progress_update retry_attempt`,
	RunE: runWatch,
}

func runWatch(_ *cobra.Command, args []string) error {
	observer := groupq.NewObserver(redisConnOpt())
	defer observer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub, err := observer.Subscribe(ctx, args...)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			line := fmt.Sprintf("%-16s id=%s", e.Kind, e.TaskID)
			if e.Group != "" {
				line += " group=" + e.Group
			}
			if e.State != "" {
				line += " state=" + e.State
			}
			if len(e.Data) > 0 {
				line += " data=" + string(e.Data)
			}
			fmt.Fprintln(os.Stdout, line)
		}
	}
}
