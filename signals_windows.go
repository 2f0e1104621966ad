// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build windows

package groupq

import (
	"os"
	"os/signal"
)

// waitForSignals waits for signals and handles them.
// It handles os.Interrupt on Windows.
func (srv *Server) waitForSignals() {
	srv.logger.Info("Listening for signals...")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	<-sigs
}
