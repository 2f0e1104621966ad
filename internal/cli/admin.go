// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <group>",
	Short: "Pause the waiting tasks of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client := newClient()
		defer client.Close()
		if err := client.PauseGroup(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("paused group %q\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <group>",
	Short: "Resume a paused group",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client := newClient()
		defer client.Close()
		if err := client.ResumeGroup(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("resumed group %q\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Broadcast a cancelation for a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		client := newClient()
		defer client.Close()
		if err := client.Cancel(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("cancelation sent for task %q\n", args[0])
		return nil
	},
}
