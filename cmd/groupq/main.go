// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import "github.com/groupq/groupq/internal/cli"

func main() {
	cli.Execute()
}
