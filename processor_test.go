// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(b base.Broker, handler Handler, opts ...func(*processorParams)) *processor {
	params := processorParams{
		logger:          testLogger(),
		broker:          b,
		clock:           timeutil.NewRealClock(),
		baseCtxFn:       context.Background,
		maxRetryDelay:   defaultMaxRetryDelay,
		isFailureFunc:   defaultIsFailureFunc,
		syncCh:          make(chan *syncRequest, 16),
		cancelations:    base.NewCancelations(),
		concurrency:     2,
		pollingInterval: 10 * time.Millisecond,
		shutdownTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&params)
	}
	p := newProcessor(params)
	p.handler = handler
	return p
}

// claim pulls the head of the group directly from the broker, standing in
// for the scheduler in unit tests.
func claim(t *testing.T, b *fakeBroker, group string) *base.TaskMessage {
	t.Helper()
	msg, err := b.ClaimNext(context.Background(), group, 1)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestProcessorSuccess(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	b.enqueueAt(newMsg("t1", "default", "G"), now)

	var processed string
	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		processed = task.Method()
		return nil
	})
	p := newTestProcessor(b, handler)

	p.processTask(claim(t, b, "G"))

	assert.Equal(t, "noop", processed)
	assert.Equal(t, base.TaskStateCompleted, b.stateOf("G", "t1"))
	assert.Len(t, b.eventsOfKind(base.EventTaskCompleted), 1)
	assert.Equal(t, 1, b.tasks["t1"].Attempts)
}

func TestProcessorRetryWithBackoff(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	msg := newMsg("t1", "default", "G")
	msg.MaxRetries = 3
	msg.RetryDelay = 50
	b.enqueueAt(msg, now)

	calls := 0
	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	p := newTestProcessor(b, handler)

	// Two failing executions, then a success. Delayed requeues are forced
	// due so the claim loop does not have to wait out the backoff.
	for i := 0; i < 3; i++ {
		b.mu.Lock()
		if entries := b.order["G"]; len(entries) > 0 {
			entries[0].score = time.Now().UnixMilli() * 1000
			b.states["G"][entries[0].id] = base.TaskStateWaiting
		}
		b.mu.Unlock()
		p.processTask(claim(t, b, "G"))
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, base.TaskStateCompleted, b.stateOf("G", "t1"))
	assert.Equal(t, 3, b.tasks["t1"].Attempts)
	// Backoff doubles from the base delay: 50ms then 100ms.
	require.Len(t, b.requeueDelays, 2)
	assert.Equal(t, 50*time.Millisecond, b.requeueDelays[0])
	assert.Equal(t, 100*time.Millisecond, b.requeueDelays[1])
	assert.Len(t, b.eventsOfKind(base.EventRetryAttempt), 2)
}

func TestProcessorRetryExhaustion(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	msg := newMsg("t1", "default", "G")
	msg.MaxRetries = 2
	b.enqueueAt(msg, now)

	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		return errors.New("permanent failure")
	})
	p := newTestProcessor(b, handler)

	for i := 0; i < 3; i++ {
		b.mu.Lock()
		if entries := b.order["G"]; len(entries) > 0 {
			entries[0].score = time.Now().UnixMilli() * 1000
			b.states["G"][entries[0].id] = base.TaskStateWaiting
		}
		b.mu.Unlock()
		p.processTask(claim(t, b, "G"))
	}

	assert.Equal(t, base.TaskStateFailed, b.stateOf("G", "t1"))
	assert.Equal(t, 3, b.tasks["t1"].Attempts)
	assert.Equal(t, "permanent failure", b.tasks["t1"].LastError)
	assert.Len(t, b.eventsOfKind(base.EventTaskFailed), 1)
}

func TestProcessorSkipRetry(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	msg := newMsg("t1", "default", "G")
	msg.MaxRetries = 5
	b.enqueueAt(msg, now)

	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		return SkipRetry
	})
	p := newTestProcessor(b, handler)
	p.processTask(claim(t, b, "G"))

	// SkipRetry fails the task immediately, retries remaining or not.
	assert.Equal(t, base.TaskStateFailed, b.stateOf("G", "t1"))
	assert.Equal(t, 1, b.tasks["t1"].Attempts)
}

func TestProcessorUnknownMethodFailsWithoutRetry(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	msg := newMsg("t1", "default", "G")
	msg.Method = "no:such:handler"
	msg.MaxRetries = 5
	b.enqueueAt(msg, now)

	p := newTestProcessor(b, NewServeMux())
	p.processTask(claim(t, b, "G"))

	assert.Equal(t, base.TaskStateFailed, b.stateOf("G", "t1"))
	assert.Contains(t, b.tasks["t1"].LastError, "no:such:handler")
}

func TestProcessorRecoversFromPanic(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	b.enqueueAt(newMsg("t1", "default", "G"), now)

	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		panic("boom")
	})
	p := newTestProcessor(b, handler)
	p.processTask(claim(t, b, "G"))

	// A panicking handler never crashes the slot; the task just fails.
	assert.Equal(t, base.TaskStateFailed, b.stateOf("G", "t1"))
	assert.Contains(t, b.tasks["t1"].LastError, "panic")
}

func TestProcessorCancelationFailsTask(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	b.enqueueAt(newMsg("t1", "default", "G"), now)

	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	p := newTestProcessor(b, handler)

	go func() {
		<-started
		if cancel, ok := p.cancelations.Get("t1"); ok {
			cancel()
		}
	}()
	p.processTask(claim(t, b, "G"))

	assert.Equal(t, base.TaskStateFailed, b.stateOf("G", "t1"))
	assert.Contains(t, b.tasks["t1"].LastError, "context canceled")
}

func TestProcessorShutdownRequeuesInFlight(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	b.enqueueAt(newMsg("t1", "default", "G"), now)

	block := make(chan struct{})
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		close(started)
		<-block
		return nil
	})
	p := newTestProcessor(b, handler)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.processTask(claim(t, b, "G"))
	}()

	<-started
	close(p.abort)
	wg.Wait()
	close(block)

	// The unfinished task is handed back as waiting, never lost and never
	// left unknown.
	assert.Equal(t, base.TaskStateWaiting, b.stateOf("G", "t1"))
	require.Len(t, b.requeueDelays, 1)
	assert.Equal(t, time.Duration(0), b.requeueDelays[0])
}

func TestProcessorEndToEndOrdering(t *testing.T) {
	b := newFakeBroker()
	now := time.Now().UnixMilli() * 1000
	b.enqueueAt(newMsg("a", "default", "G"), now+1)
	b.enqueueAt(newMsg("b", "default", "G"), now+2)
	b.enqueueAt(newMsg("c", "default", "G"), now+3)

	var mu sync.Mutex
	var order []string
	handler := HandlerFunc(func(ctx context.Context, task *Task) error {
		id, _ := GetTaskID(ctx)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return nil
	})

	sched := newTestScheduler(b, PolicyRoundRobin)
	p := newTestProcessor(b, handler, func(params *processorParams) {
		params.sched = sched
		params.concurrency = 1
	})

	var wg sync.WaitGroup
	p.start(&wg)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)

	p.shutdown()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDefaultRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		baseMs   int64
		want     time.Duration
	}{
		{1, 50, 50 * time.Millisecond},
		{2, 50, 100 * time.Millisecond},
		{3, 50, 200 * time.Millisecond},
		{1, 0, 0},
		{20, 1000, 30 * time.Second}, // capped
	}
	for _, tc := range tests {
		got := defaultRetryDelay(tc.attempts, tc.baseMs, 30*time.Second)
		assert.Equal(t, tc.want, got, "attempts=%d base=%dms", tc.attempts, tc.baseMs)
	}
}
