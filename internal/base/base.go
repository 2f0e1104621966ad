// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in groupq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/groupq/groupq/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Version of groupq library.
const Version = "0.9.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// DefaultGroupConcurrency is the number of tasks a group may have in flight
// at once unless configured otherwise.
const DefaultGroupConcurrency = 1

// Global Redis keys.
const (
	AllQueues     = "queues"   // SET of queue names
	AllGroups     = "groups"   // SET of group names
	CancelChannel = "cancel"   // PubSub channel for task cancelation
	RetainedKey   = "retained" // ZSET of terminal task ids scored by expiry
)

// TaskState denotes the state of a task.
type TaskState int

const (
	TaskStateWaiting TaskState = iota + 1
	TaskStateActive
	TaskStateCompleted
	TaskStateFailed
	TaskStateDelayed
	TaskStatePaused
	TaskStateUnknown
)

// String returns the wire name for the state. The names are part of the
// store contract; another implementation reading the keyspace sees these
// exact strings.
func (s TaskState) String() string {
	switch s {
	case TaskStateWaiting:
		return "waiting"
	case TaskStateActive:
		return "active"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	case TaskStateDelayed:
		return "delayed"
	case TaskStatePaused:
		return "paused"
	case TaskStateUnknown:
		return "unknown"
	}
	panic(fmt.Sprintf("internal error: unknown task state %d", s))
}

// TaskStateFromString parses a wire name back into a TaskState.
func TaskStateFromString(s string) (TaskState, error) {
	switch s {
	case "waiting":
		return TaskStateWaiting, nil
	case "active":
		return TaskStateActive, nil
	case "completed":
		return TaskStateCompleted, nil
	case "failed":
		return TaskStateFailed, nil
	case "delayed":
		return TaskStateDelayed, nil
	case "paused":
		return TaskStatePaused, nil
	case "unknown":
		return TaskStateUnknown, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported task state", s))
}

// IsTerminal reports whether the state is terminal. A terminal state is never
// followed by a non-terminal state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// ValidateGroupName validates a given name to be used as a group name.
// The "queue:" prefix is reserved for synthetic per-queue groups.
func ValidateGroupName(name string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return fmt.Errorf("group name must contain one or more characters")
	}
	if strings.HasPrefix(name, "queue:") {
		return fmt.Errorf("group name must not use the reserved %q prefix", "queue:")
	}
	return nil
}

// TaskKey returns a redis key for the given task id.
func TaskKey(id string) string {
	return "task:" + id
}

// GroupKeyPrefix returns a prefix for all keys of the given group.
func GroupKeyPrefix(group string) string {
	return "group:" + group + ":"
}

// GroupTasksKey returns a redis key for the group membership set.
func GroupTasksKey(group string) string {
	return GroupKeyPrefix(group) + "tasks"
}

// GroupOrderKey returns a redis key for the arrival-ordered index of the group.
func GroupOrderKey(group string) string {
	return GroupKeyPrefix(group) + "order"
}

// GroupProcessingKey returns a redis key for the set of tasks the group has in flight.
func GroupProcessingKey(group string) string {
	return GroupKeyPrefix(group) + "processing"
}

// GroupStateKey returns a redis key for the per-task state map of the group.
func GroupStateKey(group string) string {
	return GroupKeyPrefix(group) + "state"
}

// GroupOptionsKey returns a redis key for the per-task serialized options map.
func GroupOptionsKey(group string) string {
	return GroupKeyPrefix(group) + "options"
}

// GroupDataKey returns a redis key for the per-task payload map.
func GroupDataKey(group string) string {
	return GroupKeyPrefix(group) + "data"
}

// GroupMethodKey returns a redis key for the per-task handler-name map.
func GroupMethodKey(group string) string {
	return GroupKeyPrefix(group) + "method"
}

// GroupStatsKey returns a redis key for the cached aggregate counters of the group.
func GroupStatsKey(group string) string {
	return GroupKeyPrefix(group) + "stats"
}

// SyntheticGroup returns the name of the synthetic group that holds tasks
// enqueued to qname without a group label. Ungrouped tasks share the grouped
// code path through it; its concurrency cap is the queue's worker concurrency.
func SyntheticGroup(qname string) string {
	return "queue:" + qname
}

// IsSyntheticGroup reports whether the group name denotes a synthetic
// per-queue group.
func IsSyntheticGroup(group string) bool {
	return strings.HasPrefix(group, "queue:")
}

// EventChannel returns the pub/sub channel name that carries events of the
// given kind.
func EventChannel(kind string) string {
	return "events:" + kind
}

// Event kinds. The names are stable wire names; subscribers match on them.
const (
	EventStatusChange   = "status_change"
	EventTaskAdded      = "task_added"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventGroupChange    = "group_change"
	EventProgressUpdate = "progress_update"
	EventRetryAttempt   = "retry_attempt"
)

// AllEventKinds lists every event kind the bus emits.
var AllEventKinds = []string{
	EventStatusChange,
	EventTaskAdded,
	EventTaskCompleted,
	EventTaskFailed,
	EventGroupChange,
	EventProgressUpdate,
	EventRetryAttempt,
}

// Event is the payload published on the event bus. Delivery is best-effort;
// subscribers reconcile from the task registry if exactness is required.
type Event struct {
	Kind   string          `json:"kind"`
	TaskID string          `json:"task_id"`
	Group  string          `json:"group,omitempty"`
	State  string          `json:"state,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent marshals the given event and returns an encoded bytes.
func EncodeEvent(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	return json.Marshal(e)
}

// DecodeEvent unmarshals the given bytes and returns a decoded event.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// TaskMessage is the internal representation of a task with additional
// metadata fields. Serialized data of this type gets written to the
// task:{id} key and must round-trip losslessly.
type TaskMessage struct {
	// ID is a unique identifier for each task. Uniqueness is a global invariant.
	ID string `json:"id"`

	// Queue is the name of the logical queue this task belongs to.
	Queue string `json:"queue"`

	// Group is the group label, or empty for ungrouped tasks. Ungrouped
	// tasks are indexed under the synthetic per-queue group.
	Group string `json:"group,omitempty"`

	// Method names the handler to invoke.
	Method string `json:"method"`

	// Payload holds data needed to process the task.
	Payload []byte `json:"payload"`

	// Priority of the task: 0=low, 1=normal, 2=high, 3=critical.
	Priority int `json:"priority"`

	// MaxRetries is the max number of retries for this task.
	MaxRetries int `json:"max_retries"`

	// RetryDelay is the base retry delay in milliseconds. The effective
	// backoff doubles with each attempt.
	RetryDelay int64 `json:"retry_delay_ms,omitempty"`

	// NotBefore is the earliest time the task may run, in Unix milliseconds.
	// Zero means the task is runnable immediately.
	NotBefore int64 `json:"not_before,omitempty"`

	// Timeout specifies timeout in seconds. Zero means no timeout.
	// A timed-out execution counts as a failure.
	Timeout int64 `json:"timeout,omitempty"`

	// Attempts is the number of times this task has been handed to a worker.
	// It only ever grows.
	Attempts int `json:"attempts"`

	// State holds the last state the writers recorded. The registry stores
	// it without interpreting it; the group state map is authoritative.
	State string `json:"state"`

	// LastError holds the error message from the last failure.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt and UpdatedAt are Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// ClaimedAt is the time the task was last claimed by a worker slot, in
	// Unix milliseconds. Zero when the task is not in flight.
	ClaimedAt int64 `json:"claimed_at,omitempty"`

	// Retention specifies the number of seconds the task record should be
	// retained after reaching a terminal state.
	Retention int64 `json:"retention,omitempty"`

	// CompletedAt is the time the task reached a terminal state, in Unix
	// milliseconds. Zero when non-terminal.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// EffectiveGroup returns the group whose indices hold the task: the task's
// own group label, or the synthetic per-queue group when the label is empty.
func (msg *TaskMessage) EffectiveGroup() string {
	if msg.Group != "" {
		return msg.Group
	}
	return SyntheticGroup(msg.Queue)
}

// EncodeMessage marshals the given task message and returns an encoded bytes.
func EncodeMessage(msg *TaskMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded task message.
func DecodeMessage(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// TaskInfo describes a task message and its metadata.
type TaskInfo struct {
	Message       *TaskMessage
	State         TaskState
	NextProcessAt time.Time
}

// GroupSnapshot is a point-in-time view of a group used by the scheduler to
// decide eligibility. It is read outside any transaction; claim correctness
// does not depend on its freshness.
type GroupSnapshot struct {
	// Group name.
	Group string

	// HeadID is the id at the head of the order index, empty if the index
	// is empty.
	HeadID string

	// HeadScore is the arrival score of the head (Unix microseconds).
	HeadScore int64

	// HeadState is the recorded state of the head task.
	HeadState TaskState

	// HeadQueue is the queue the head task was enqueued to. Servers only
	// draw from groups whose head belongs to a queue they consume.
	HeadQueue string

	// Processing is the number of tasks the group has in flight.
	Processing int

	// OrderLen is the length of the order index.
	OrderLen int
}

// HeadDue reports whether the head task is runnable at time t.
func (s *GroupSnapshot) HeadDue(t time.Time) bool {
	if s.HeadID == "" {
		return false
	}
	return s.HeadScore/1000 <= t.UnixMilli()
}

// GroupStats holds the cached aggregate counters of a group, as stored in
// group:{g}:stats.
type GroupStats struct {
	Group     string
	Total     int
	Active    int
	Completed int
	Failed    int
	Paused    int
}

// Cancelations is a collection that holds cancel functions for all active tasks.
//
// Cancelations are safe for concurrent use by multiple goroutines.
type Cancelations struct {
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewCancelations returns a Cancelations instance.
func NewCancelations() *Cancelations {
	return &Cancelations{
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Add adds a new cancel func to the collection.
func (c *Cancelations) Add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[id] = fn
}

// Delete deletes a cancel func from the collection given an id.
func (c *Cancelations) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, id)
}

// Get returns a cancel func given an id.
func (c *Cancelations) Get(id string) (fn context.CancelFunc, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok = c.cancelFuncs[id]
	return fn, ok
}

// Broker is the contract the server components require from the shared
// store. See rdb.RDB for the implementation.
type Broker interface {
	Ping() error
	Close() error

	// Producer side.
	Enqueue(ctx context.Context, msg *TaskMessage) error

	// Group manager primitives.
	ClaimNext(ctx context.Context, group string, cap int) (*TaskMessage, error)
	CompleteTask(ctx context.Context, msg *TaskMessage, state TaskState, errMsg string) error
	RequeueTask(ctx context.Context, msg *TaskMessage, delay time.Duration) error
	PauseGroup(ctx context.Context, group string) error
	ResumeGroup(ctx context.Context, group string) error
	GroupStats(ctx context.Context, group string) (*GroupStats, error)

	// Scheduler reads.
	ListGroups(ctx context.Context) ([]string, error)
	GroupSnapshots(ctx context.Context, groups []string) ([]*GroupSnapshot, error)

	// Registry reads.
	GetTaskInfo(ctx context.Context, id string) (*TaskInfo, error)

	// Delayed-task handling.
	ForwardIfReady(ctx context.Context, groups ...string) error

	// Crash recovery: hand back tasks whose claim went stale.
	ReclaimStale(ctx context.Context, cutoff time.Time, groups ...string) (int, error)

	// Retention.
	DeleteExpiredTasks(ctx context.Context, batchSize int) error

	// Event bus.
	PublishEvent(ctx context.Context, e *Event) error

	// Cancelation related methods.
	CancelationPubSub() (*redis.PubSub, error)
	PublishCancelation(ctx context.Context, id string) error
}
