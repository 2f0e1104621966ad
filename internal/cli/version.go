// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/groupq/groupq/internal/base"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("groupq %s (%s %s/%s)\n", base.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
