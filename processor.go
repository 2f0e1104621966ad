// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/errors"
	"github.com/groupq/groupq/internal/log"
	"github.com/groupq/groupq/internal/metrics"
	"github.com/groupq/groupq/internal/timeutil"
	"golang.org/x/time/rate"
)

type processor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	handler   Handler
	sched     *scheduler
	baseCtxFn func() context.Context

	retryDelayFunc RetryDelayFunc
	maxRetryDelay  time.Duration
	isFailureFunc  func(error) bool

	errHandler ErrorHandler

	pollingInterval time.Duration
	shutdownTimeout time.Duration

	// channel via which to send sync requests to syncer.
	syncRequestCh chan<- *syncRequest

	// rate limiter to prevent spamming logs with a bunch of errors.
	errLogLimiter *rate.Limiter

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	// once closed, this goroutine will not process new tasks.
	done chan struct{}

	// once is used to send value to done channel only once.
	once sync.Once

	// abort channel communicates to the in-flight worker goroutines.
	// once closed, it is considered safe to interrupt the in-flight workers.
	abort chan struct{}

	// cancelations is a set of cancel functions for all active tasks.
	cancelations *base.Cancelations
}

type processorParams struct {
	logger          *log.Logger
	broker          base.Broker
	clock           timeutil.Clock
	sched           *scheduler
	baseCtxFn       func() context.Context
	retryDelayFunc  RetryDelayFunc
	maxRetryDelay   time.Duration
	isFailureFunc   func(error) bool
	syncCh          chan<- *syncRequest
	cancelations    *base.Cancelations
	concurrency     int
	errHandler      ErrorHandler
	pollingInterval time.Duration
	shutdownTimeout time.Duration
}

// newProcessor constructs a new processor.
func newProcessor(params processorParams) *processor {
	return &processor{
		logger:          params.logger,
		broker:          params.broker,
		clock:           params.clock,
		sched:           params.sched,
		baseCtxFn:       params.baseCtxFn,
		retryDelayFunc:  params.retryDelayFunc,
		maxRetryDelay:   params.maxRetryDelay,
		isFailureFunc:   params.isFailureFunc,
		syncRequestCh:   params.syncCh,
		cancelations:    params.cancelations,
		errLogLimiter:   rate.NewLimiter(rate.Every(3*time.Second), 1),
		sema:            make(chan struct{}, params.concurrency),
		done:            make(chan struct{}),
		abort:           make(chan struct{}),
		errHandler:      params.errHandler,
		pollingInterval: params.pollingInterval,
		shutdownTimeout: params.shutdownTimeout,
	}
}

// Note: stops only the "processor" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debug("Processor shutting down...")
		// Signal the processor goroutine to stop processing tasks
		// from the queue.
		close(p.done)
	})
}

// NOTE: once shutdown, processor cannot be re-started.
func (p *processor) shutdown() {
	p.stop()

	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Info("Waiting for all workers to finish...")
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Info("All workers have finished")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.done:
				p.logger.Debug("Processor done")
				return
			default:
				p.exec()
			}
		}
	}()
}

// exec pulls a task out of a group selected by the scheduler and starts a
// worker goroutine to process it.
func (p *processor) exec() {
	select {
	case <-p.done:
		return
	case p.sema <- struct{}{}: // acquire token
		msg, err := p.sched.dispatch(context.Background())
		switch {
		case err != nil:
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Dispatch error: %v", err)
			}
			<-p.sema // release token
			p.sleep(p.pollingInterval)
			return
		case msg == nil:
			<-p.sema // release token
			p.sleep(p.pollingInterval)
			return
		}

		go func() {
			defer func() {
				<-p.sema // release token
			}()
			p.processTask(msg)
		}()
	}
}

// sleep waits for the given duration or until the processor is told to stop,
// whichever comes first.
func (p *processor) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.done:
	}
}

// processTask runs the handler for a claimed task and finalizes the outcome.
func (p *processor) processTask(msg *base.TaskMessage) {
	ctx, cancel := p.taskContext(msg)
	defer cancel()
	p.cancelations.Add(msg.ID, cancel)
	defer p.cancelations.Delete(msg.ID)

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	start := p.clock.Now()
	resCh := make(chan error, 1)
	go func() {
		task := NewTask(msg.Method, msg.Payload)
		resCh <- p.perform(ctx, task)
	}()

	select {
	case <-p.abort:
		// time is up, quit this worker and requeue the unfinished task.
		p.requeue(msg)
		return
	case <-ctx.Done():
		p.handleFailedTask(ctx, msg, ctx.Err())
		return
	case resErr := <-resCh:
		metrics.TaskDurationSeconds.WithLabelValues(msg.EffectiveGroup()).Observe(p.clock.Now().Sub(start).Seconds())
		if resErr != nil {
			p.handleFailedTask(ctx, msg, resErr)
			return
		}
		p.handleSucceededTask(ctx, msg)
	}
}

// taskContext builds the context the handler runs under: base context plus
// task metadata, a per-task timeout when one is set, and the cancelation
// hook used by the subscriber.
func (p *processor) taskContext(msg *base.TaskMessage) (context.Context, context.CancelFunc) {
	ctx := createContext(p.baseCtxFn(), msg, p.broker)
	if msg.Timeout > 0 {
		return context.WithDeadline(ctx, p.clock.Now().Add(time.Duration(msg.Timeout)*time.Second))
	}
	return context.WithCancel(ctx)
}

// perform calls the handler with the given task.
// If the call returns without panic, it simply returns the error,
// otherwise, it recovers from panic and returns an error.
func (p *processor) perform(ctx context.Context, task *Task) (err error) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			err = fmt.Errorf("panic [%s]: %v", task.Method(), x)
		}
	}()
	return p.handler.ProcessTask(ctx, task)
}

func (p *processor) requeue(msg *base.TaskMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.broker.RequeueTask(ctx, msg, 0); err != nil {
		p.logger.Errorf("Could not move task id=%s back to its group: %v", msg.ID, err)
		return
	}
	p.logger.Infof("Released unfinished task id=%s back to group %q", msg.ID, msg.EffectiveGroup())
}

func (p *processor) handleSucceededTask(ctx context.Context, msg *base.TaskMessage) {
	err := p.broker.CompleteTask(ctx, msg, base.TaskStateCompleted, "")
	if err == nil {
		metrics.TasksProcessed.WithLabelValues(msg.EffectiveGroup(), base.TaskStateCompleted.String()).Inc()
		return
	}
	p.logger.Warnf("Could not finalize task id=%s: %v; will retry syncing", msg.ID, err)
	p.syncRequestCh <- &syncRequest{
		fn: func() error {
			return p.broker.CompleteTask(context.Background(), msg, base.TaskStateCompleted, "")
		},
		errMsg:   fmt.Sprintf("Could not finalize task id=%s", msg.ID),
		deadline: p.clock.Now().Add(10 * time.Minute),
	}
}

func (p *processor) handleFailedTask(ctx context.Context, msg *base.TaskMessage, err error) {
	if p.errHandler != nil {
		task := NewTask(msg.Method, msg.Payload)
		p.errHandler.HandleError(ctx, task, err)
	}
	if !p.isFailureFunc(err) {
		// IsFailure classified the error as not a failure; hand the task
		// straight back to its group. The claim already counted in Attempts.
		if rerr := p.broker.RequeueTask(context.Background(), msg, 0); rerr != nil {
			p.logger.Errorf("Could not requeue task id=%s: %v", msg.ID, rerr)
		}
		return
	}
	var nferr *NotFoundError
	retryable := msg.Attempts <= msg.MaxRetries && !errors.Is(err, SkipRetry) && !errors.As(err, &nferr)
	if retryable {
		p.retryTask(msg, err)
		return
	}
	p.failTask(msg, err)
}

// retryTask schedules the failed task's next attempt after exponential
// backoff and publishes a retry_attempt event.
func (p *processor) retryTask(msg *base.TaskMessage, err error) {
	var delay time.Duration
	if p.retryDelayFunc != nil {
		delay = p.retryDelayFunc(msg.Attempts, err, NewTask(msg.Method, msg.Payload))
	} else {
		delay = defaultRetryDelay(msg.Attempts, msg.RetryDelay, p.maxRetryDelay)
	}
	msg.LastError = err.Error()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := p.broker.RequeueTask(ctx, msg, delay); rerr != nil {
		p.logger.Errorf("Could not schedule retry for task id=%s: %v", msg.ID, rerr)
		return
	}
	metrics.RetriesTotal.WithLabelValues(msg.EffectiveGroup()).Inc()
	data, _ := json.Marshal(map[string]interface{}{
		"error":    err.Error(),
		"attempt":  msg.Attempts,
		"delay_ms": delay.Milliseconds(),
		"timeout":  errors.Is(err, context.DeadlineExceeded),
	})
	_ = p.broker.PublishEvent(ctx, &base.Event{
		Kind:   base.EventRetryAttempt,
		TaskID: msg.ID,
		Group:  msg.EffectiveGroup(),
		Data:   data,
	})
}

func (p *processor) failTask(msg *base.TaskMessage, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := p.broker.CompleteTask(ctx, msg, base.TaskStateFailed, err.Error()); cerr != nil {
		p.logger.Errorf("Could not mark task id=%s as failed: %v", msg.ID, cerr)
		return
	}
	metrics.TasksProcessed.WithLabelValues(msg.EffectiveGroup(), base.TaskStateFailed.String()).Inc()
}

// defaultRetryDelay implements the default backoff: base delay doubled with
// each attempt, bounded by the configured maximum.
func defaultRetryDelay(attempts int, retryDelayMs int64, maxDelay time.Duration) time.Duration {
	if retryDelayMs <= 0 {
		return 0
	}
	d := time.Duration(retryDelayMs) * time.Millisecond
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
