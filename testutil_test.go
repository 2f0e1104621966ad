// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/errors"
	"github.com/redis/go-redis/v9"
)

// fakeBroker is an in-memory base.Broker used to exercise the scheduler and
// the worker pool without a redis server. It honors the same contracts as
// the real store: per-group arrival order, the concurrency cap checked at
// claim time, and terminal states never re-entering the order index.
type fakeBroker struct {
	mu         sync.Mutex
	tasks      map[string]*base.TaskMessage
	order      map[string][]orderEntry
	processing map[string]map[string]bool
	states     map[string]map[string]base.TaskState
	events     []*base.Event
	seq        int64

	// requeueDelays records the delay of every RequeueTask call, in order.
	requeueDelays []time.Duration

	// claimBlock simulates a lost optimistic race: groups in the set
	// return nil from ClaimNext once, then behave normally.
	claimBlock map[string]bool
}

type orderEntry struct {
	id    string
	score int64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		tasks:      make(map[string]*base.TaskMessage),
		order:      make(map[string][]orderEntry),
		processing: make(map[string]map[string]bool),
		states:     make(map[string]map[string]base.TaskState),
		claimBlock: make(map[string]bool),
	}
}

func (b *fakeBroker) Ping() error  { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) nextScore(due time.Time) int64 {
	b.seq++
	return due.UnixMilli()*1000 + b.seq%1000
}

func (b *fakeBroker) ensureGroup(group string) {
	if _, ok := b.processing[group]; !ok {
		b.processing[group] = make(map[string]bool)
		b.states[group] = make(map[string]base.TaskState)
	}
}

func (b *fakeBroker) Enqueue(_ context.Context, msg *base.TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[msg.ID]; ok {
		return &errors.DuplicateIDError{ID: msg.ID}
	}
	group := msg.EffectiveGroup()
	b.ensureGroup(group)
	now := time.Now()
	due := now
	state := base.TaskStateWaiting
	if msg.NotBefore > now.UnixMilli() {
		due = time.UnixMilli(msg.NotBefore)
		state = base.TaskStateDelayed
	}
	msg.State = state.String()
	b.tasks[msg.ID] = msg
	b.order[group] = append(b.order[group], orderEntry{id: msg.ID, score: b.nextScore(due)})
	sortOrder(b.order[group])
	b.states[group][msg.ID] = state
	b.events = append(b.events, &base.Event{Kind: base.EventTaskAdded, TaskID: msg.ID, Group: group})
	return nil
}

// enqueueAt is a test helper: enqueue with an explicit arrival score.
func (b *fakeBroker) enqueueAt(msg *base.TaskMessage, score int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group := msg.EffectiveGroup()
	b.ensureGroup(group)
	msg.State = base.TaskStateWaiting.String()
	b.tasks[msg.ID] = msg
	b.order[group] = append(b.order[group], orderEntry{id: msg.ID, score: score})
	sortOrder(b.order[group])
	b.states[group][msg.ID] = base.TaskStateWaiting
}

func sortOrder(entries []orderEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
}

func (b *fakeBroker) ClaimNext(_ context.Context, group string, cap int) (*base.TaskMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimBlock[group] {
		delete(b.claimBlock, group)
		return nil, nil
	}
	entries := b.order[group]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[0]
	if head.score/1000 > time.Now().UnixMilli() {
		return nil, nil
	}
	if b.states[group][head.id] != base.TaskStateWaiting {
		return nil, nil
	}
	if len(b.processing[group]) >= cap {
		return nil, nil
	}
	b.order[group] = entries[1:]
	b.processing[group][head.id] = true
	b.states[group][head.id] = base.TaskStateActive
	msg := b.tasks[head.id]
	msg.Attempts++
	msg.State = base.TaskStateActive.String()
	msg.ClaimedAt = time.Now().UnixMilli()
	return msg, nil
}

func (b *fakeBroker) CompleteTask(_ context.Context, msg *base.TaskMessage, state base.TaskState, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	group := msg.EffectiveGroup()
	delete(b.processing[group], msg.ID)
	b.states[group][msg.ID] = state
	msg.State = state.String()
	msg.LastError = errMsg
	msg.CompletedAt = time.Now().UnixMilli()
	kind := base.EventTaskCompleted
	if state == base.TaskStateFailed {
		kind = base.EventTaskFailed
	}
	b.events = append(b.events, &base.Event{Kind: kind, TaskID: msg.ID, Group: group, State: state.String()})
	return nil
}

func (b *fakeBroker) RequeueTask(_ context.Context, msg *base.TaskMessage, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeueDelays = append(b.requeueDelays, delay)
	group := msg.EffectiveGroup()
	delete(b.processing[group], msg.ID)
	state := base.TaskStateWaiting
	if delay > 0 {
		state = base.TaskStateDelayed
	}
	b.states[group][msg.ID] = state
	msg.State = state.String()
	b.order[group] = append(b.order[group], orderEntry{id: msg.ID, score: b.nextScore(time.Now().Add(delay))})
	sortOrder(b.order[group])
	b.events = append(b.events, &base.Event{Kind: base.EventStatusChange, TaskID: msg.ID, Group: group, State: state.String()})
	return nil
}

func (b *fakeBroker) PauseGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.states[group] {
		if s == base.TaskStateWaiting || s == base.TaskStateDelayed {
			b.states[group][id] = base.TaskStatePaused
		}
	}
	return nil
}

func (b *fakeBroker) ResumeGroup(_ context.Context, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.states[group] {
		if s == base.TaskStatePaused {
			b.states[group][id] = base.TaskStateWaiting
		}
	}
	return nil
}

func (b *fakeBroker) GroupStats(_ context.Context, group string) (*base.GroupStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &base.GroupStats{Group: group}
	for _, s := range b.states[group] {
		stats.Total++
		switch s {
		case base.TaskStateActive:
			stats.Active++
		case base.TaskStateCompleted:
			stats.Completed++
		case base.TaskStateFailed:
			stats.Failed++
		case base.TaskStatePaused:
			stats.Paused++
		}
	}
	return stats, nil
}

func (b *fakeBroker) ListGroups(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	groups := make([]string, 0, len(b.states))
	for g := range b.states {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

func (b *fakeBroker) GroupSnapshots(_ context.Context, groups []string) ([]*base.GroupSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := make([]*base.GroupSnapshot, 0, len(groups))
	for _, g := range groups {
		snap := &base.GroupSnapshot{Group: g}
		if entries := b.order[g]; len(entries) > 0 {
			snap.HeadID = entries[0].id
			snap.HeadScore = entries[0].score
			snap.HeadState = b.states[g][entries[0].id]
			snap.HeadQueue = b.tasks[entries[0].id].Queue
			snap.OrderLen = len(entries)
		}
		snap.Processing = len(b.processing[g])
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (b *fakeBroker) GetTaskInfo(_ context.Context, id string) (*base.TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.tasks[id]
	if !ok {
		return nil, &errors.TaskNotFoundError{ID: id}
	}
	return &base.TaskInfo{Message: msg, State: b.states[msg.EffectiveGroup()][id]}, nil
}

func (b *fakeBroker) ForwardIfReady(_ context.Context, groups ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UnixMilli()
	for _, g := range groups {
		for _, entry := range b.order[g] {
			if entry.score/1000 <= now && b.states[g][entry.id] == base.TaskStateDelayed {
				b.states[g][entry.id] = base.TaskStateWaiting
			}
		}
	}
	return nil
}

func (b *fakeBroker) ReclaimStale(_ context.Context, cutoff time.Time, groups ...string) (int, error) {
	return 0, nil
}

func (b *fakeBroker) DeleteExpiredTasks(_ context.Context, batchSize int) error { return nil }

func (b *fakeBroker) PublishEvent(_ context.Context, e *base.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBroker) CancelationPubSub() (*redis.PubSub, error) {
	return nil, errors.New("not supported by fakeBroker")
}

func (b *fakeBroker) PublishCancelation(_ context.Context, id string) error { return nil }

// stateOf reports the recorded state of a task, for assertions.
func (b *fakeBroker) stateOf(group, id string) base.TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[group][id]
}

// eventsOfKind returns the published events of the given kind.
func (b *fakeBroker) eventsOfKind(kind string) []*base.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*base.Event
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
