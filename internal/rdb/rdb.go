// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/errors"
	"github.com/groupq/groupq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const (
	// Claim conflicts retry with exponential backoff before yielding to the
	// caller's poll loop.
	claimMaxAttempts = 3
	claimBackoffBase = 100 * time.Millisecond

	// Terminal records without an explicit retention stay observable for a day.
	defaultRetention = 24 * time.Hour
)

// errNoTask is an internal sentinel: the group has nothing claimable right now.
var errNoTask = errors.New("no claimable task")

// RDB is a client interface to query and mutate task queues and groups.
// It is the single writer of the group indices; every mutation runs as an
// atomic transaction on the redis server.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock

	// seq breaks arrival-score ties between submissions that land on the
	// same millisecond. Local to this adapter, monotonic.
	seq uint64
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

// ServerTime returns the current time from the redis server, which is the
// authoritative clock for arrival ordering.
func (r *RDB) ServerTime(ctx context.Context) (time.Time, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, errors.E(errors.Op("rdb.ServerTime"), errors.Unknown, &errors.RedisCommandError{Command: "time", Err: err})
	}
	return t, nil
}

// arrivalScore computes the score for the order index: Unix microseconds
// where the millisecond part is the arrival time and the sub-millisecond
// part is a monotonic counter breaking ties deterministically.
func (r *RDB) arrivalScore(t time.Time) int64 {
	seq := atomic.AddUint64(&r.seq, 1)
	return t.UnixMilli()*1000 + int64(seq%1000)
}

func scoreDue(score int64, now time.Time) bool {
	return score/1000 <= now.UnixMilli()
}

// taskOptions is the serialized form written to group:{g}:options.
type taskOptions struct {
	Queue      string `json:"queue"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	RetryDelay int64  `json:"retry_delay_ms,omitempty"`
	NotBefore  int64  `json:"not_before,omitempty"`
	Timeout    int64  `json:"timeout,omitempty"`
	Retention  int64  `json:"retention,omitempty"`
}

func encodeOptions(msg *base.TaskMessage) (string, error) {
	b, err := json.Marshal(taskOptions{
		Queue:      msg.Queue,
		Priority:   msg.Priority,
		MaxRetries: msg.MaxRetries,
		RetryDelay: msg.RetryDelay,
		NotBefore:  msg.NotBefore,
		Timeout:    msg.Timeout,
		Retention:  msg.Retention,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Enqueue inserts the given task record and indexes it into its group.
// It returns a DuplicateIDError if a task with the same id already exists.
// The add is idempotent with respect to the group indices: re-adding an
// existing member never duplicates it in the order index (ZADD NX).
func (r *RDB) Enqueue(ctx context.Context, msg *base.TaskMessage) error {
	var op errors.Op = "rdb.Enqueue"
	now, err := r.ServerTime(ctx)
	if err != nil {
		return err
	}
	group := msg.EffectiveGroup()
	state := base.TaskStateWaiting
	due := now
	if msg.NotBefore > now.UnixMilli() {
		state = base.TaskStateDelayed
		due = time.UnixMilli(msg.NotBefore)
	}
	msg.State = state.String()
	msg.CreatedAt = now.UnixMilli()
	msg.UpdatedAt = now.UnixMilli()
	score := r.arrivalScore(due)

	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	opts, err := encodeOptions(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode options: %v", err))
	}

	taskKey := base.TaskKey(msg.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, taskKey).Result()
		if err != nil {
			return &errors.RedisCommandError{Command: "exists", Err: err}
		}
		if n > 0 {
			return &errors.DuplicateIDError{ID: msg.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, taskKey, encoded, 0)
			pipe.SAdd(ctx, base.AllQueues, msg.Queue)
			pipe.SAdd(ctx, base.AllGroups, group)
			pipe.SAdd(ctx, base.GroupTasksKey(group), msg.ID)
			pipe.ZAddNX(ctx, base.GroupOrderKey(group), redis.Z{Score: float64(score), Member: msg.ID})
			pipe.HSet(ctx, base.GroupStateKey(group), msg.ID, state.String())
			pipe.HSet(ctx, base.GroupOptionsKey(group), msg.ID, opts)
			pipe.HSet(ctx, base.GroupDataKey(group), msg.ID, msg.Payload)
			pipe.HSet(ctx, base.GroupMethodKey(group), msg.ID, msg.Method)
			pipe.HIncrBy(ctx, base.GroupStatsKey(group), "total", 1)
			return nil
		})
		return err
	}
	if err := r.client.Watch(ctx, txf, taskKey); err != nil {
		if errors.IsDuplicateID(err) {
			return errors.E(op, errors.AlreadyExists, err)
		}
		if err == redis.TxFailedErr {
			return errors.E(op, errors.Conflict, errors.ErrTxConflict)
		}
		return errors.E(op, errors.Unknown, err)
	}
	r.publish(ctx, &base.Event{Kind: base.EventGroupChange, TaskID: msg.ID, Group: group, Data: opChange("add")})
	r.publish(ctx, &base.Event{Kind: base.EventTaskAdded, TaskID: msg.ID, Group: group, State: state.String()})
	r.publish(ctx, &base.Event{Kind: base.EventStatusChange, TaskID: msg.ID, Group: group, State: state.String()})
	return nil
}

// ClaimNext atomically hands the head of the group's order index to the
// caller: WAITING -> ACTIVE, order -> processing. Under concurrent callers
// each id is handed out exactly once; the optimistic transaction watches the
// order and processing keys so a racing claimer aborts the commit.
//
// The group concurrency cap is checked inside the same transaction. Returns
// (nil, nil) when the group has nothing claimable, when the head is not yet
// due, or when conflict retries are exhausted and the caller should re-poll.
func (r *RDB) ClaimNext(ctx context.Context, group string, cap int) (*base.TaskMessage, error) {
	var op errors.Op = "rdb.ClaimNext"
	if cap <= 0 {
		cap = base.DefaultGroupConcurrency
	}
	orderKey := base.GroupOrderKey(group)
	processingKey := base.GroupProcessingKey(group)
	stateKey := base.GroupStateKey(group)

	var claimed *base.TaskMessage
	txf := func(tx *redis.Tx) error {
		claimed = nil
		now := r.clock.Now()
		zs, err := tx.ZRangeWithScores(ctx, orderKey, 0, 0).Result()
		if err != nil {
			return &errors.RedisCommandError{Command: "zrange", Err: err}
		}
		if len(zs) == 0 {
			return errNoTask
		}
		id, ok := zs[0].Member.(string)
		if !ok {
			return errors.E(errors.Internal, fmt.Sprintf("unexpected order member type %T", zs[0].Member))
		}
		if !scoreDue(int64(zs[0].Score), now) {
			// Head not yet due; the group is treated as empty.
			return errNoTask
		}
		stateStr, err := tx.HGet(ctx, stateKey, id).Result()
		if err != nil && err != redis.Nil {
			return &errors.RedisCommandError{Command: "hget", Err: err}
		}
		state, serr := base.TaskStateFromString(stateStr)
		if err == redis.Nil || serr != nil || state != base.TaskStateWaiting {
			// Paused or delayed head blocks the group; arrival order inside
			// a group is strict.
			return errNoTask
		}
		inflight, err := tx.SCard(ctx, processingKey).Result()
		if err != nil {
			return &errors.RedisCommandError{Command: "scard", Err: err}
		}
		if int(inflight) >= cap {
			return errNoTask
		}
		data, err := tx.Get(ctx, base.TaskKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				return errNoTask
			}
			return &errors.RedisCommandError{Command: "get", Err: err}
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			return errors.E(errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
		}
		msg.State = base.TaskStateActive.String()
		msg.Attempts++
		msg.ClaimedAt = now.UnixMilli()
		msg.UpdatedAt = now.UnixMilli()
		encoded, err := base.EncodeMessage(msg)
		if err != nil {
			return errors.E(errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, orderKey, id)
			pipe.SAdd(ctx, processingKey, id)
			pipe.HSet(ctx, stateKey, id, base.TaskStateActive.String())
			pipe.Set(ctx, base.TaskKey(id), encoded, 0)
			pipe.HIncrBy(ctx, base.GroupStatsKey(group), "active", 1)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = msg
		return nil
	}

	backoff := claimBackoffBase
	for attempt := 0; attempt < claimMaxAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, orderKey, processingKey)
		switch {
		case err == nil:
			r.publish(ctx, &base.Event{Kind: base.EventStatusChange, TaskID: claimed.ID, Group: group, State: base.TaskStateActive.String()})
			return claimed, nil
		case err == errNoTask:
			return nil, nil
		case err == redis.TxFailedErr:
			// Another claimer raced us; back off and retry, then yield.
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, errors.E(op, errors.Canceled, ctx.Err())
			}
			backoff *= 2
		default:
			return nil, errors.E(op, errors.Unknown, err)
		}
	}
	return nil, nil
}

// CompleteTask finalizes an in-flight task: processing is released, the
// per-task state becomes the given terminal state, and the record keeps the
// last error. The id is never re-inserted into the order index.
func (r *RDB) CompleteTask(ctx context.Context, msg *base.TaskMessage, state base.TaskState, errMsg string) error {
	var op errors.Op = "rdb.CompleteTask"
	if !state.IsTerminal() {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("state %v is not terminal", state))
	}
	group := msg.EffectiveGroup()
	now := r.clock.Now()
	msg.State = state.String()
	msg.LastError = errMsg
	msg.ClaimedAt = 0
	msg.CompletedAt = now.UnixMilli()
	msg.UpdatedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	retention := defaultRetention
	if msg.Retention > 0 {
		retention = time.Duration(msg.Retention) * time.Second
	}
	statField := "completed"
	if state == base.TaskStateFailed {
		statField = "failed"
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, base.GroupProcessingKey(group), msg.ID)
		pipe.HSet(ctx, base.GroupStateKey(group), msg.ID, state.String())
		pipe.Set(ctx, base.TaskKey(msg.ID), encoded, 0)
		pipe.HIncrBy(ctx, base.GroupStatsKey(group), "active", -1)
		pipe.HIncrBy(ctx, base.GroupStatsKey(group), statField, 1)
		pipe.ZAdd(ctx, base.RetainedKey, redis.Z{Score: float64(now.Add(retention).UnixMilli()), Member: msg.ID})
		return nil
	})
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exec", Err: err})
	}
	r.publish(ctx, &base.Event{Kind: base.EventStatusChange, TaskID: msg.ID, Group: group, State: state.String()})
	kind := base.EventTaskCompleted
	if state == base.TaskStateFailed {
		kind = base.EventTaskFailed
	}
	r.publish(ctx, &base.Event{Kind: kind, TaskID: msg.ID, Group: group, State: state.String(), Data: errData(errMsg)})
	return nil
}

// RequeueTask moves an in-flight task back into the order index, delayed by
// the given duration. Used for retries and for releasing unfinished work at
// shutdown.
func (r *RDB) RequeueTask(ctx context.Context, msg *base.TaskMessage, delay time.Duration) error {
	var op errors.Op = "rdb.RequeueTask"
	group := msg.EffectiveGroup()
	now := r.clock.Now()
	due := now.Add(delay)
	state := base.TaskStateWaiting
	if delay > 0 {
		state = base.TaskStateDelayed
	}
	msg.State = state.String()
	msg.ClaimedAt = 0
	msg.NotBefore = due.UnixMilli()
	if delay <= 0 {
		msg.NotBefore = 0
	}
	msg.UpdatedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	score := r.arrivalScore(due)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, base.GroupProcessingKey(group), msg.ID)
		pipe.ZAdd(ctx, base.GroupOrderKey(group), redis.Z{Score: float64(score), Member: msg.ID})
		pipe.HSet(ctx, base.GroupStateKey(group), msg.ID, state.String())
		pipe.Set(ctx, base.TaskKey(msg.ID), encoded, 0)
		pipe.HIncrBy(ctx, base.GroupStatsKey(group), "active", -1)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exec", Err: err})
	}
	r.publish(ctx, &base.Event{Kind: base.EventStatusChange, TaskID: msg.ID, Group: group, State: state.String()})
	return nil
}

// PauseGroup flips every WAITING or DELAYED member of the group to PAUSED.
// ACTIVE tasks are untouched and complete normally; the order index is not
// disturbed.
func (r *RDB) PauseGroup(ctx context.Context, group string) error {
	return r.flipGroupStates(ctx, "rdb.PauseGroup", group, map[base.TaskState]bool{
		base.TaskStateWaiting: true,
		base.TaskStateDelayed: true,
	}, func(string, int64) base.TaskState { return base.TaskStatePaused }, "pause")
}

// ResumeGroup flips every PAUSED member back to WAITING, or DELAYED when its
// order score is still in the future.
func (r *RDB) ResumeGroup(ctx context.Context, group string) error {
	now := r.clock.Now()
	return r.flipGroupStates(ctx, "rdb.ResumeGroup", group, map[base.TaskState]bool{
		base.TaskStatePaused: true,
	}, func(id string, score int64) base.TaskState {
		if score > 0 && !scoreDue(score, now) {
			return base.TaskStateDelayed
		}
		return base.TaskStateWaiting
	}, "resume")
}

// flipGroupStates rewrites the state of every member currently in one of the
// from states. The whole flip commits as one transaction watching the state
// map.
func (r *RDB) flipGroupStates(ctx context.Context, op errors.Op, group string, from map[base.TaskState]bool, to func(id string, score int64) base.TaskState, change string) error {
	stateKey := base.GroupStateKey(group)
	orderKey := base.GroupOrderKey(group)
	txf := func(tx *redis.Tx) error {
		states, err := tx.HGetAll(ctx, stateKey).Result()
		if err != nil {
			return &errors.RedisCommandError{Command: "hgetall", Err: err}
		}
		if len(states) == 0 {
			return &errors.GroupNotFoundError{Group: group}
		}
		var ids []string
		for id, s := range states {
			state, err := base.TaskStateFromString(s)
			if err != nil {
				continue
			}
			if from[state] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		scores, err := tx.ZMScore(ctx, orderKey, ids...).Result()
		if err != nil {
			return &errors.RedisCommandError{Command: "zmscore", Err: err}
		}
		flips := make(map[string]base.TaskState, len(ids))
		var paused int64
		for i, id := range ids {
			next := to(id, int64(scores[i]))
			flips[id] = next
			if next == base.TaskStatePaused {
				paused++
			} else if states[id] == base.TaskStatePaused.String() {
				paused--
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, next := range flips {
				pipe.HSet(ctx, stateKey, id, next.String())
			}
			if paused != 0 {
				pipe.HIncrBy(ctx, base.GroupStatsKey(group), "paused", paused)
			}
			return nil
		})
		return err
	}
	if err := r.client.Watch(ctx, txf, stateKey); err != nil {
		if errors.IsGroupNotFound(err) {
			return errors.E(op, errors.NotFound, err)
		}
		if err == redis.TxFailedErr {
			return errors.E(op, errors.Conflict, errors.ErrTxConflict)
		}
		return errors.E(op, errors.Unknown, err)
	}
	r.publish(ctx, &base.Event{Kind: base.EventGroupChange, Group: group, Data: opChange(change)})
	return nil
}

// GroupStats returns the cached aggregate counters of the group. A cold or
// corrupt cache is recomputed from the authoritative indices and written
// back.
func (r *RDB) GroupStats(ctx context.Context, group string) (*base.GroupStats, error) {
	var op errors.Op = "rdb.GroupStats"
	fields, err := r.client.HGetAll(ctx, base.GroupStatsKey(group)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if _, ok := fields["total"]; !ok {
		return r.recomputeGroupStats(ctx, group)
	}
	return &base.GroupStats{
		Group:     group,
		Total:     cast.ToInt(fields["total"]),
		Active:    cast.ToInt(fields["active"]),
		Completed: cast.ToInt(fields["completed"]),
		Failed:    cast.ToInt(fields["failed"]),
		Paused:    cast.ToInt(fields["paused"]),
	}, nil
}

// recomputeGroupStats rebuilds the counters from the per-task state map and
// membership set, then caches them.
func (r *RDB) recomputeGroupStats(ctx context.Context, group string) (*base.GroupStats, error) {
	var op errors.Op = "rdb.recomputeGroupStats"
	total, err := r.client.SCard(ctx, base.GroupTasksKey(group)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "scard", Err: err})
	}
	states, err := r.client.HGetAll(ctx, base.GroupStateKey(group)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	stats := &base.GroupStats{Group: group, Total: int(total)}
	for _, s := range states {
		switch s {
		case base.TaskStateActive.String():
			stats.Active++
		case base.TaskStateCompleted.String():
			stats.Completed++
		case base.TaskStateFailed.String():
			stats.Failed++
		case base.TaskStatePaused.String():
			stats.Paused++
		}
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, base.GroupStatsKey(group),
			"total", stats.Total,
			"active", stats.Active,
			"completed", stats.Completed,
			"failed", stats.Failed,
			"paused", stats.Paused,
		)
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exec", Err: err})
	}
	return stats, nil
}

// ListGroups returns the names of every known group, synthetic per-queue
// groups included.
func (r *RDB) ListGroups(ctx context.Context) ([]string, error) {
	groups, err := r.client.SMembers(ctx, base.AllGroups).Result()
	if err != nil {
		return nil, errors.E(errors.Op("rdb.ListGroups"), errors.Unknown, &errors.RedisCommandError{Command: "smembers", Err: err})
	}
	return groups, nil
}

// GroupSnapshots reads the head, backlog length, and in-flight count of each
// group in one round trip (plus one for the head states). The snapshots feed
// the scheduler's eligibility decision; they are advisory, not transactional.
func (r *RDB) GroupSnapshots(ctx context.Context, groups []string) ([]*base.GroupSnapshot, error) {
	var op errors.Op = "rdb.GroupSnapshots"
	if len(groups) == 0 {
		return nil, nil
	}
	heads := make([]*redis.ZSliceCmd, len(groups))
	inflight := make([]*redis.IntCmd, len(groups))
	lens := make([]*redis.IntCmd, len(groups))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range groups {
			heads[i] = pipe.ZRangeWithScores(ctx, base.GroupOrderKey(g), 0, 0)
			inflight[i] = pipe.SCard(ctx, base.GroupProcessingKey(g))
			lens[i] = pipe.ZCard(ctx, base.GroupOrderKey(g))
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	snaps := make([]*base.GroupSnapshot, len(groups))
	stateCmds := make([]*redis.StringCmd, len(groups))
	optsCmds := make([]*redis.StringCmd, len(groups))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range groups {
			snap := &base.GroupSnapshot{Group: g}
			if zs := heads[i].Val(); len(zs) > 0 {
				snap.HeadID, _ = zs[0].Member.(string)
				snap.HeadScore = int64(zs[0].Score)
			}
			snap.Processing = int(inflight[i].Val())
			snap.OrderLen = int(lens[i].Val())
			snaps[i] = snap
			if snap.HeadID != "" {
				stateCmds[i] = pipe.HGet(ctx, base.GroupStateKey(g), snap.HeadID)
				optsCmds[i] = pipe.HGet(ctx, base.GroupOptionsKey(g), snap.HeadID)
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	for i, cmd := range stateCmds {
		if cmd == nil {
			snaps[i].HeadState = base.TaskStateUnknown
			continue
		}
		state, err := base.TaskStateFromString(cmd.Val())
		if err != nil {
			state = base.TaskStateUnknown
		}
		snaps[i].HeadState = state
		var opts taskOptions
		if jerr := json.Unmarshal([]byte(optsCmds[i].Val()), &opts); jerr == nil {
			snaps[i].HeadQueue = opts.Queue
		}
	}
	return snaps, nil
}

// GetTaskInfo returns the task record and its current state. The lookup is
// by id alone; the group indices are consulted only for the state and the
// next-process time.
func (r *RDB) GetTaskInfo(ctx context.Context, id string) (*base.TaskInfo, error) {
	var op errors.Op = "rdb.GetTaskInfo"
	data, err := r.client.Get(ctx, base.TaskKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.E(op, errors.NotFound, &errors.TaskNotFoundError{ID: id})
		}
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "get", Err: err})
	}
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	group := msg.EffectiveGroup()
	info := &base.TaskInfo{Message: msg, State: base.TaskStateUnknown}
	if s, err := r.client.HGet(ctx, base.GroupStateKey(group), id).Result(); err == nil {
		if state, serr := base.TaskStateFromString(s); serr == nil {
			info.State = state
		}
	}
	if score, err := r.client.ZScore(ctx, base.GroupOrderKey(group), id).Result(); err == nil {
		info.NextProcessAt = time.UnixMilli(int64(score) / 1000)
	}
	return info, nil
}

// ListGroupTasks enumerates the tasks indexed under a group, oldest first.
// Pass state zero to list every state. The enumeration exists for
// observability; it reads nothing transactionally.
func (r *RDB) ListGroupTasks(ctx context.Context, group string, state base.TaskState) ([]*base.TaskInfo, error) {
	var op errors.Op = "rdb.ListGroupTasks"
	states, err := r.client.HGetAll(ctx, base.GroupStateKey(group)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	ids := make([]string, 0, len(states))
	for id, s := range states {
		if state != 0 && s != state.String() {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, base.TaskKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	infos := make([]*base.TaskInfo, 0, len(ids))
	for i, id := range ids {
		data, err := cmds[i].Result()
		if err != nil {
			continue // record purged between reads
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			continue
		}
		s, serr := base.TaskStateFromString(states[id])
		if serr != nil {
			s = base.TaskStateUnknown
		}
		infos = append(infos, &base.TaskInfo{Message: msg, State: s})
	}
	sort.Slice(infos, func(a, b int) bool {
		return infos[a].Message.CreatedAt < infos[b].Message.CreatedAt
	})
	return infos, nil
}

// ForwardIfReady flips DELAYED members whose due time has passed back to
// WAITING so the scheduler sees them. The order index is untouched; the due
// time is encoded in the arrival score.
func (r *RDB) ForwardIfReady(ctx context.Context, groups ...string) error {
	var op errors.Op = "rdb.ForwardIfReady"
	now := r.clock.Now()
	maxScore := strconv.FormatInt(now.UnixMilli()*1000+999, 10)
	for _, group := range groups {
		ids, err := r.client.ZRangeByScore(ctx, base.GroupOrderKey(group), &redis.ZRangeBy{
			Min: "-inf", Max: maxScore, Count: 100,
		}).Result()
		if err != nil {
			return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
		}
		if len(ids) == 0 {
			continue
		}
		states, err := r.client.HMGet(ctx, base.GroupStateKey(group), ids...).Result()
		if err != nil {
			return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hmget", Err: err})
		}
		for i, id := range ids {
			s, ok := states[i].(string)
			if !ok || s != base.TaskStateDelayed.String() {
				continue
			}
			if err := r.markWaiting(ctx, group, id, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// markWaiting records the DELAYED -> WAITING transition for a due task.
func (r *RDB) markWaiting(ctx context.Context, group, id string, now time.Time) error {
	var op errors.Op = "rdb.markWaiting"
	data, err := r.client.Get(ctx, base.TaskKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "get", Err: err})
	}
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	msg.State = base.TaskStateWaiting.String()
	msg.UpdatedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, base.GroupStateKey(group), id, base.TaskStateWaiting.String())
		pipe.Set(ctx, base.TaskKey(id), encoded, 0)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exec", Err: err})
	}
	r.publish(ctx, &base.Event{Kind: base.EventStatusChange, TaskID: id, Group: group, State: base.TaskStateWaiting.String()})
	return nil
}

// ReclaimStale hands tasks whose claim is older than the cutoff back to
// their group's order index. It covers workers that died without releasing
// their slot; the at-least-once contract allows the re-delivery.
func (r *RDB) ReclaimStale(ctx context.Context, cutoff time.Time, groups ...string) (int, error) {
	var op errors.Op = "rdb.ReclaimStale"
	var reclaimed int
	for _, group := range groups {
		ids, err := r.client.SMembers(ctx, base.GroupProcessingKey(group)).Result()
		if err != nil {
			return reclaimed, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "smembers", Err: err})
		}
		for _, id := range ids {
			data, err := r.client.Get(ctx, base.TaskKey(id)).Result()
			if err != nil {
				if err == redis.Nil {
					// Orphaned processing entry; drop it.
					r.client.SRem(ctx, base.GroupProcessingKey(group), id)
				}
				continue
			}
			msg, err := base.DecodeMessage([]byte(data))
			if err != nil {
				continue
			}
			if msg.ClaimedAt == 0 || msg.ClaimedAt > cutoff.UnixMilli() {
				continue
			}
			if err := r.RequeueTask(ctx, msg, 0); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// DeleteExpiredTasks removes up to batchSize terminal task records whose
// retention has elapsed, together with every group index entry that still
// references them.
func (r *RDB) DeleteExpiredTasks(ctx context.Context, batchSize int) error {
	var op errors.Op = "rdb.DeleteExpiredTasks"
	now := r.clock.Now()
	ids, err := r.client.ZRangeByScore(ctx, base.RetainedKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: int64(batchSize),
	}).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zrangebyscore", Err: err})
	}
	for _, id := range ids {
		var msg *base.TaskMessage
		if data, err := r.client.Get(ctx, base.TaskKey(id)).Result(); err == nil {
			msg, _ = base.DecodeMessage([]byte(data))
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, base.RetainedKey, id)
			pipe.Del(ctx, base.TaskKey(id))
			if msg != nil {
				group := msg.EffectiveGroup()
				pipe.SRem(ctx, base.GroupTasksKey(group), id)
				pipe.HDel(ctx, base.GroupStateKey(group), id)
				pipe.HDel(ctx, base.GroupOptionsKey(group), id)
				pipe.HDel(ctx, base.GroupDataKey(group), id)
				pipe.HDel(ctx, base.GroupMethodKey(group), id)
				pipe.HIncrBy(ctx, base.GroupStatsKey(group), "total", -1)
				if msg.State == base.TaskStateFailed.String() {
					pipe.HIncrBy(ctx, base.GroupStatsKey(group), "failed", -1)
				} else {
					pipe.HIncrBy(ctx, base.GroupStatsKey(group), "completed", -1)
				}
			}
			return nil
		})
		if err != nil {
			return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "exec", Err: err})
		}
	}
	return nil
}

// PublishEvent publishes the given event on its kind's channel. Delivery is
// best-effort by design.
func (r *RDB) PublishEvent(ctx context.Context, e *base.Event) error {
	data, err := base.EncodeEvent(e)
	if err != nil {
		return errors.E(errors.Op("rdb.PublishEvent"), errors.Internal, fmt.Sprintf("cannot encode event: %v", err))
	}
	return r.client.Publish(ctx, base.EventChannel(e.Kind), data).Err()
}

// publish is the fire-and-forget form used on mutation paths; a failed
// publish never fails the mutation.
func (r *RDB) publish(ctx context.Context, e *base.Event) {
	_ = r.PublishEvent(ctx, e)
}

// CancelationPubSub returns a pubsub for cancelation messages.
func (r *RDB) CancelationPubSub() (*redis.PubSub, error) {
	return r.client.Subscribe(context.Background(), base.CancelChannel), nil
}

// PublishCancelation publish cancelation message to cancelation channel.
func (r *RDB) PublishCancelation(ctx context.Context, id string) error {
	return r.client.Publish(ctx, base.CancelChannel, id).Err()
}

func opChange(op string) []byte {
	return []byte(fmt.Sprintf("{\"op\":%q}", op))
}

func errData(errMsg string) []byte {
	if errMsg == "" {
		return nil
	}
	b, err := json.Marshal(map[string]string{"error": errMsg})
	if err != nil {
		return nil
	}
	return b
}
