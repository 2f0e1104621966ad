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

// recoverer hands tasks claimed by workers that died without finalizing them
// back to their groups. Re-delivery after the visibility window is what the
// at-least-once contract trades for never losing a task.
type recoverer struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// interval between checks.
	interval time.Duration

	// a claim older than this is considered abandoned.
	visibilityTimeout time.Duration
}

type recovererParams struct {
	logger            *log.Logger
	broker            base.Broker
	interval          time.Duration
	visibilityTimeout time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:            params.logger,
		broker:            params.broker,
		done:              make(chan struct{}),
		interval:          params.interval,
		visibilityTimeout: params.visibilityTimeout,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop polling.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.recover()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	groups, err := r.broker.ListGroups(ctx)
	if err != nil {
		r.logger.Errorf("Failed to list groups: %v", err)
		return
	}
	cutoff := time.Now().Add(-r.visibilityTimeout)
	n, err := r.broker.ReclaimStale(ctx, cutoff, groups...)
	if err != nil {
		r.logger.Errorf("Failed to reclaim stale tasks: %v", err)
		return
	}
	if n > 0 {
		r.logger.Warnf("Reclaimed %d task(s) from dead workers", n)
	}
}
