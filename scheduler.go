// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/log"
	"github.com/groupq/groupq/internal/metrics"
	"github.com/groupq/groupq/internal/timeutil"
)

// Policy selects which group releases the next task when several groups
// have work.
type Policy int

const (
	// PolicyRoundRobin serves eligible groups in turn; empty groups do not
	// consume a turn.
	PolicyRoundRobin Policy = iota

	// PolicyFIFO serves the group owning the oldest waiting task, giving
	// global arrival order across groups.
	PolicyFIFO

	// PolicyPriority serves groups proportionally to their configured
	// weights without starving any group.
	PolicyPriority
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round_robin"
	case PolicyFIFO:
		return "fifo"
	case PolicyPriority:
		return "priority"
	}
	return "unknown"
}

// ParsePolicy parses a policy name as it appears in operator configuration.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "round_robin":
		return PolicyRoundRobin, nil
	case "fifo":
		return PolicyFIFO, nil
	case "priority":
		return PolicyPriority, nil
	}
	return 0, fmt.Errorf("groupq: unsupported policy %q", s)
}

// scheduler decides which group the next idle worker slot draws from and
// performs the claim. It does not execute tasks.
//
// The scheduler is a process-local singleton: the cursor and credits need no
// locking beyond the mutex here because claims themselves are serialized by
// the store's optimistic transactions.
type scheduler struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	policy           Policy
	queues           map[string]int // queue name -> priority weight (worker eligibility)
	concurrency      int            // cap for synthetic per-queue groups
	groupConcurrency int            // cap for user groups
	groupPriorities  map[string]int // group name -> weight for PolicyPriority

	mu       sync.Mutex
	rrCursor string
	credits  map[string]int
}

type schedulerParams struct {
	logger           *log.Logger
	broker           base.Broker
	clock            timeutil.Clock
	policy           Policy
	queues           map[string]int
	concurrency      int
	groupConcurrency int
	groupPriorities  map[string]int
}

func newScheduler(params schedulerParams) *scheduler {
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &scheduler{
		logger:           params.logger,
		broker:           params.broker,
		clock:            clock,
		policy:           params.policy,
		queues:           params.queues,
		concurrency:      params.concurrency,
		groupConcurrency: params.groupConcurrency,
		groupPriorities:  params.groupPriorities,
		credits:          make(map[string]int),
	}
}

// capFor returns the concurrency cap of the given group. Synthetic per-queue
// groups run as wide as the worker pool; user groups default to 1 so a group
// is a serialization scope unless configured otherwise.
func (s *scheduler) capFor(group string) int {
	if base.IsSyntheticGroup(group) {
		return s.concurrency
	}
	if s.groupConcurrency > 0 {
		return s.groupConcurrency
	}
	return base.DefaultGroupConcurrency
}

func (s *scheduler) weightFor(group string) int {
	if w, ok := s.groupPriorities[group]; ok && w > 0 {
		return w
	}
	return 1
}

// served reports whether tasks from the given queue may run on this server.
func (s *scheduler) served(queue string) bool {
	if queue == "" {
		return true
	}
	_, ok := s.queues[queue]
	return ok
}

// eligible reports whether the group may release a task right now: it has a
// due, waiting head on a queue this server consumes, and spare capacity.
func (s *scheduler) eligible(snap *base.GroupSnapshot) bool {
	if snap.HeadID == "" || snap.OrderLen == 0 {
		return false
	}
	if snap.HeadState != base.TaskStateWaiting {
		return false
	}
	if !snap.HeadDue(s.clock.Now()) {
		return false
	}
	if snap.Processing >= s.capFor(snap.Group) {
		return false
	}
	return s.served(snap.HeadQueue)
}

// dispatch picks a group under the active policy and claims its head.
// It returns (nil, nil) when no group can release a task right now; the
// calling slot re-polls after its polling interval.
//
// A claim that loses the optimistic race inside the store removes the group
// from this pass and moves on to the next candidate, so one contended group
// does not stall the sweep.
func (s *scheduler) dispatch(ctx context.Context) (*base.TaskMessage, error) {
	groups, err := s.broker.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	sort.Strings(groups)
	snaps, err := s.broker.GroupSnapshots(ctx, groups)
	if err != nil {
		return nil, err
	}
	eligible := make([]*base.GroupSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		if s.eligible(snap) {
			eligible = append(eligible, snap)
		}
	}
	for len(eligible) > 0 {
		var pick int
		switch s.policy {
		case PolicyFIFO:
			pick = s.pickFIFO(eligible)
		case PolicyPriority:
			pick = s.pickPriority(eligible)
		default:
			pick = s.pickRoundRobin(eligible)
		}
		group := eligible[pick].Group
		msg, err := s.broker.ClaimNext(ctx, group, s.capFor(group))
		if err != nil {
			return nil, err
		}
		if msg != nil {
			metrics.DispatchDecisions.WithLabelValues(s.policy.String()).Inc()
			return msg, nil
		}
		// Raced out or the head changed under us; drop the group from this
		// sweep and let the policy choose among the rest.
		metrics.ClaimConflicts.Inc()
		eligible = append(eligible[:pick], eligible[pick+1:]...)
	}
	return nil, nil
}

// pickRoundRobin returns the index of the first eligible group after the
// cursor and advances the cursor to it. Groups with no claimable work were
// already filtered out, so they do not consume a turn.
func (s *scheduler) pickRoundRobin(eligible []*base.GroupSnapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := 0
	for i, snap := range eligible {
		if snap.Group > s.rrCursor {
			pick = i
			break
		}
	}
	s.rrCursor = eligible[pick].Group
	return pick
}

// pickFIFO returns the index of the group owning the globally oldest due
// head. The arrival score carries a monotonic tie-break already; equal
// scores fall back to the lexicographically smallest group name, which the
// caller's sort guarantees.
func (s *scheduler) pickFIFO(eligible []*base.GroupSnapshot) int {
	pick := 0
	for i, snap := range eligible {
		if snap.HeadScore < eligible[pick].HeadScore {
			pick = i
		}
	}
	return pick
}

// pickPriority implements deterministic weighted round-robin: every eligible
// group earns its weight in credit each decision tick, the richest group
// wins and pays the maximum weight. The interleaving converges to the weight
// ratio without starving light groups.
func (s *scheduler) pickPriority(eligible []*base.GroupSnapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxWeight := 0
	for _, snap := range eligible {
		w := s.weightFor(snap.Group)
		s.credits[snap.Group] += w
		if w > maxWeight {
			maxWeight = w
		}
	}
	pick := 0
	for i, snap := range eligible {
		cur, best := s.credits[snap.Group], s.credits[eligible[pick].Group]
		if cur > best {
			pick = i
			continue
		}
		// Tie: prefer the heavier group, then the smaller name, to stay
		// deterministic.
		if cur == best && s.weightFor(snap.Group) > s.weightFor(eligible[pick].Group) {
			pick = i
		}
	}
	s.credits[eligible[pick].Group] -= maxWeight
	return pick
}
