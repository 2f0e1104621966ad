// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"sync"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/log"
)

// A forwarder is responsible for moving delayed tasks whose due time has
// passed back to the waiting state, so the scheduler sees them as claimable.
type forwarder struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "forwarder" goroutine.
	done chan struct{}

	// interval between checks.
	interval time.Duration
}

type forwarderParams struct {
	logger   *log.Logger
	broker   base.Broker
	interval time.Duration
}

func newForwarder(params forwarderParams) *forwarder {
	return &forwarder{
		logger:   params.logger,
		broker:   params.broker,
		done:     make(chan struct{}),
		interval: params.interval,
	}
}

func (f *forwarder) shutdown() {
	f.logger.Debug("Forwarder shutting down...")
	// Signal the forwarder goroutine to stop polling.
	f.done <- struct{}{}
}

// start starts the "forwarder" goroutine.
func (f *forwarder) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(f.interval)
		for {
			select {
			case <-f.done:
				f.logger.Debug("Forwarder done")
				timer.Stop()
				return
			case <-timer.C:
				f.exec()
				timer.Reset(f.interval)
			}
		}
	}()
}

func (f *forwarder) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	groups, err := f.broker.ListGroups(ctx)
	if err != nil {
		f.logger.Errorf("Failed to list groups: %v", err)
		return
	}
	if err := f.broker.ForwardIfReady(ctx, groups...); err != nil {
		f.logger.Errorf("Failed to forward delayed tasks: %v", err)
	}
}
