// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"fmt"
	"strings"
	"time"

	"github.com/groupq/groupq/internal/base"
)

// Priority is recorded on the task for observers. Critical is the highest.
// The dispatch policies do not read it; PolicyPriority weighs groups by
// Config.GroupPriorities.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority parses a priority name. It accepts the names emitted by
// Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return Low, nil
	case "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return 0, fmt.Errorf("groupq: unsupported priority %q", s)
}

// Task represents a unit of work to be performed.
type Task struct {
	// method indicates the handler that should process the task.
	method string

	// payload holds data needed to perform the task.
	payload []byte

	// opts holds options for the task.
	opts []Option
}

func (t *Task) Method() string  { return t.method }
func (t *Task) Payload() []byte { return t.payload }

// NewTask returns a new Task given a method name, payload data, and options.
//
// The method name resolves the handler on the server side; see ServeMux.
func NewTask(method string, payload []byte, opts ...Option) *Task {
	return &Task{
		method:  method,
		payload: payload,
		opts:    opts,
	}
}

// A TaskInfo describes a task and its metadata.
type TaskInfo struct {
	// ID is the identifier of the task.
	ID string

	// Queue is the name of the queue in which the task belongs.
	Queue string

	// Group is the group label of the task, empty for ungrouped tasks.
	Group string

	// Method is the handler name of the task.
	Method string

	// Payload is the payload data of the task.
	Payload []byte

	// State is the wire name of the task's current state, one of
	// waiting, active, completed, failed, delayed, paused, unknown.
	State string

	// Priority of the task.
	Priority Priority

	// MaxRetries is the maximum number of retries allowed for the task.
	MaxRetries int

	// Attempts is the number of times the task has been handed to a worker.
	Attempts int

	// LastError is the error message from the last execution failure.
	LastError string

	// CreatedAt is the time the task was submitted.
	CreatedAt time.Time

	// CompletedAt is the time the task reached a terminal state, zero if
	// it has not.
	CompletedAt time.Time

	// NextProcessAt is the time the task is next eligible to be claimed,
	// zero if the task is in flight or terminal.
	NextProcessAt time.Time
}

func newTaskInfo(msg *base.TaskMessage, state base.TaskState, nextProcessAt time.Time) *TaskInfo {
	info := &TaskInfo{
		ID:            msg.ID,
		Queue:         msg.Queue,
		Group:         msg.Group,
		Method:        msg.Method,
		Payload:       msg.Payload,
		State:         state.String(),
		Priority:      Priority(msg.Priority),
		MaxRetries:    msg.MaxRetries,
		Attempts:      msg.Attempts,
		LastError:     msg.LastError,
		NextProcessAt: nextProcessAt,
	}
	if msg.CreatedAt > 0 {
		info.CreatedAt = time.UnixMilli(msg.CreatedAt)
	}
	if msg.CompletedAt > 0 {
		info.CompletedAt = time.UnixMilli(msg.CompletedAt)
	}
	return info
}

// OptionType describes a type of option.
type OptionType int

const (
	MaxRetriesOpt OptionType = iota
	QueueOpt
	GroupOpt
	PriorityOpt
	RetryDelayOpt
	TimeoutOpt
	ProcessAtOpt
	ProcessInOpt
	TaskIDOpt
	RetentionOpt
)

// Option specifies the task processing behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

type (
	maxRetriesOption int
	queueOption      string
	groupOption      string
	priorityOption   Priority
	retryDelayOption time.Duration
	timeoutOption    time.Duration
	processAtOption  time.Time
	processInOption  time.Duration
	taskIDOption     string
	retentionOption  time.Duration
)

// MaxRetries returns an option to specify the max number of times the task
// will be retried after a failed execution.
//
// Negative retry count is treated as zero retry.
func MaxRetries(n int) Option {
	if n < 0 {
		n = 0
	}
	return maxRetriesOption(n)
}

func (n maxRetriesOption) String() string     { return fmt.Sprintf("MaxRetries(%d)", int(n)) }
func (n maxRetriesOption) Type() OptionType   { return MaxRetriesOpt }
func (n maxRetriesOption) Value() interface{} { return int(n) }

// Queue returns an option to specify the queue to enqueue the task into.
func Queue(name string) Option {
	return queueOption(name)
}

func (name queueOption) String() string     { return fmt.Sprintf("Queue(%q)", string(name)) }
func (name queueOption) Type() OptionType   { return QueueOpt }
func (name queueOption) Value() interface{} { return string(name) }

// Group returns an option to put the task under the named group. Tasks in a
// group are delivered in arrival order subject to the group's concurrency
// cap; groups compete under the server's dispatch policy.
func Group(name string) Option {
	return groupOption(name)
}

func (name groupOption) String() string     { return fmt.Sprintf("Group(%q)", string(name)) }
func (name groupOption) Type() OptionType   { return GroupOpt }
func (name groupOption) Value() interface{} { return string(name) }

// WithPriority returns an option to set the task's priority.
func WithPriority(p Priority) Option {
	return priorityOption(p)
}

func (p priorityOption) String() string     { return fmt.Sprintf("Priority(%v)", Priority(p)) }
func (p priorityOption) Type() OptionType   { return PriorityOpt }
func (p priorityOption) Value() interface{} { return Priority(p) }

// RetryDelay returns an option to set the base delay between retries of the
// task. The effective delay doubles with each attempt, up to the server's
// configured maximum.
func RetryDelay(d time.Duration) Option {
	return retryDelayOption(d)
}

func (d retryDelayOption) String() string     { return fmt.Sprintf("RetryDelay(%v)", time.Duration(d)) }
func (d retryDelayOption) Type() OptionType   { return RetryDelayOpt }
func (d retryDelayOption) Value() interface{} { return time.Duration(d) }

// Timeout returns an option to specify how long the handler may run on the
// task. A timed-out execution counts as a failed attempt.
//
// Zero duration means no limit.
func Timeout(d time.Duration) Option {
	return timeoutOption(d)
}

func (d timeoutOption) String() string     { return fmt.Sprintf("Timeout(%v)", time.Duration(d)) }
func (d timeoutOption) Type() OptionType   { return TimeoutOpt }
func (d timeoutOption) Value() interface{} { return time.Duration(d) }

// ProcessAt returns an option to specify when to make the task eligible to
// run. The task stays DELAYED until then.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string     { return fmt.Sprintf("ProcessAt(%v)", time.Time(t)) }
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when to make the task eligible to
// run, relative to now.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// TaskID returns an option to specify the task ID instead of a generated
// one. Submitting two tasks with the same ID reports ErrDuplicateID to the
// second submitter.
func TaskID(id string) Option {
	return taskIDOption(id)
}

func (id taskIDOption) String() string     { return fmt.Sprintf("TaskID(%q)", string(id)) }
func (id taskIDOption) Type() OptionType   { return TaskIDOpt }
func (id taskIDOption) Value() interface{} { return string(id) }

// Retention returns an option to keep the task record observable for the
// given duration after it reaches a terminal state.
func Retention(d time.Duration) Option {
	return retentionOption(d)
}

func (d retentionOption) String() string     { return fmt.Sprintf("Retention(%v)", time.Duration(d)) }
func (d retentionOption) Type() OptionType   { return RetentionOpt }
func (d retentionOption) Value() interface{} { return time.Duration(d) }

// option holds the merged result of the options applied to a task.
type option struct {
	maxRetries int
	queue      string
	group      string
	priority   Priority
	retryDelay time.Duration
	timeout    time.Duration
	processAt  time.Time
	taskID     string
	retention  time.Duration
}

// composeOptions merges the given options into one struct, with the later
// options overriding the earlier ones, and validates them.
func composeOptions(opts ...Option) (option, error) {
	res := option{
		maxRetries: 0,
		queue:      base.DefaultQueueName,
		priority:   Normal,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case maxRetriesOption:
			res.maxRetries = int(opt)
		case queueOption:
			qname := string(opt)
			if err := base.ValidateQueueName(qname); err != nil {
				return option{}, err
			}
			res.queue = qname
		case groupOption:
			name := string(opt)
			if err := base.ValidateGroupName(name); err != nil {
				return option{}, err
			}
			res.group = name
		case priorityOption:
			res.priority = Priority(opt)
		case retryDelayOption:
			res.retryDelay = time.Duration(opt)
		case timeoutOption:
			res.timeout = time.Duration(opt)
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = time.Now().Add(time.Duration(opt))
		case taskIDOption:
			id := string(opt)
			if strings.TrimSpace(id) == "" {
				return option{}, fmt.Errorf("task ID cannot be empty")
			}
			res.taskID = id
		case retentionOption:
			res.retention = time.Duration(opt)
		default:
			// Unexpected option type; ignore.
		}
	}
	return res, nil
}
