// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/errors"
	"github.com/groupq/groupq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// A Client is responsible for submitting tasks to the queues, and for the
// administrative operations producers perform on groups.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	broker base.Broker
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt) *Client {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("groupq: unsupported RedisConnOpt type %T", r))
	}
	client := NewClientFromRedisClient(redisClient)
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by groupq, you are responsible for closing it.
func NewClientFromRedisClient(c redis.UniversalClient) *Client {
	return &Client{broker: rdb.NewRDB(c), sharedConnection: true}
}

// ErrDuplicateID indicates that a task with the given ID already exists.
var ErrDuplicateID = errors.New("task ID conflicts with another task")

// ErrTaskNotFound indicates that no task matches the given ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrNotInHandler indicates that a context helper was called outside of a
// handler invocation.
var ErrNotInHandler = errors.New("context is not associated with a task")

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Client can't be closed through groupq")
	}
	return c.broker.Close()
}

// Enqueue enqueues the given task to a queue.
//
// Enqueue returns TaskInfo and nil error if the task is enqueued successfully,
// otherwise returns a non-nil error. If a task with the same ID already
// exists, the returned error wraps ErrDuplicateID.
//
// The argument opts specifies the behavior of task processing.
// If there are conflicting Option values the last one overrides others.
// Any options provided to NewTask can be overridden by options passed to Enqueue.
//
// If no ProcessAt or ProcessIn options are provided, the task will be
// eligible immediately.
func (c *Client) Enqueue(task *Task, opts ...Option) (*TaskInfo, error) {
	return c.EnqueueContext(context.Background(), task, opts...)
}

// EnqueueContext enqueues the given task to a queue.
//
// EnqueueContext returns TaskInfo and nil error if the task is enqueued
// successfully, otherwise returns a non-nil error.
//
// The argument opts specifies the behavior of task processing.
// If there are conflicting Option values the last one overrides others.
func (c *Client) EnqueueContext(ctx context.Context, task *Task, opts ...Option) (*TaskInfo, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	if task.Method() == "" {
		return nil, fmt.Errorf("task method cannot be empty")
	}
	opts = append(task.opts, opts...)
	opt, err := composeOptions(opts...)
	if err != nil {
		return nil, err
	}
	msg := messageFromOptions(task, opt)
	if err := c.broker.Enqueue(ctx, msg); err != nil {
		if errors.IsDuplicateID(err) {
			return nil, fmt.Errorf("%w: id=%s", ErrDuplicateID, msg.ID)
		}
		return nil, err
	}
	state := base.TaskStateWaiting
	next := time.Now()
	if msg.NotBefore > time.Now().UnixMilli() {
		state = base.TaskStateDelayed
		next = time.UnixMilli(msg.NotBefore)
	}
	return newTaskInfo(msg, state, next), nil
}

// EnqueueBatch enqueues the given tasks in order and returns their TaskInfo
// in the same order. On the first failure it stops and returns the infos of
// the tasks enqueued so far together with the error.
func (c *Client) EnqueueBatch(ctx context.Context, tasks []*Task, opts ...Option) ([]*TaskInfo, error) {
	infos := make([]*TaskInfo, 0, len(tasks))
	for i, task := range tasks {
		info, err := c.EnqueueContext(ctx, task, opts...)
		if err != nil {
			return infos, fmt.Errorf("batch enqueue failed at index %d: %w", i, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetTaskInfo returns the current state of the task with the given id.
func (c *Client) GetTaskInfo(ctx context.Context, id string) (*TaskInfo, error) {
	info, err := c.broker.GetTaskInfo(ctx, id)
	if err != nil {
		if errors.IsTaskNotFound(err) {
			return nil, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return newTaskInfo(info.Message, info.State, info.NextProcessAt), nil
}

// Cancel broadcasts a cancelation request for the task with the given id.
// A server executing the task cancels its handler context; the execution is
// then accounted as a failure for retry purposes.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.broker.PublishCancelation(ctx, id)
}

// PauseGroup flips every waiting or delayed task of the group to paused.
// Tasks already executing are left untouched and complete normally.
func (c *Client) PauseGroup(ctx context.Context, group string) error {
	return c.broker.PauseGroup(ctx, group)
}

// ResumeGroup undoes PauseGroup.
func (c *Client) ResumeGroup(ctx context.Context, group string) error {
	return c.broker.ResumeGroup(ctx, group)
}

// GroupStats returns the aggregate counters of the group.
func (c *Client) GroupStats(ctx context.Context, group string) (*GroupStats, error) {
	stats, err := c.broker.GroupStats(ctx, group)
	if err != nil {
		return nil, err
	}
	return &GroupStats{
		Group:     stats.Group,
		Total:     stats.Total,
		Active:    stats.Active,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Paused:    stats.Paused,
	}, nil
}

// GroupStats holds the aggregate counters of a group. The counters are
// cached with best-effort freshness.
type GroupStats struct {
	Group     string
	Total     int
	Active    int
	Completed int
	Failed    int
	Paused    int
}

// messageFromOptions builds the internal task message for the given task and
// merged options.
func messageFromOptions(task *Task, opt option) *base.TaskMessage {
	id := opt.taskID
	if id == "" {
		id = uuid.NewString()
	}
	var notBefore int64
	if !opt.processAt.IsZero() {
		notBefore = opt.processAt.UnixMilli()
	}
	return &base.TaskMessage{
		ID:         id,
		Queue:      opt.queue,
		Group:      opt.group,
		Method:     task.Method(),
		Payload:    task.Payload(),
		Priority:   int(opt.priority),
		MaxRetries: opt.maxRetries,
		RetryDelay: opt.retryDelay.Milliseconds(),
		NotBefore:  notBefore,
		Timeout:    int64(opt.timeout.Seconds()),
		Retention:  int64(opt.retention.Seconds()),
	}
}
