// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/groupq/groupq/internal/base"
	"github.com/groupq/groupq/internal/errors"
	"github.com/groupq/groupq/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// variables used for package testing.
var (
	redisAddr string
	redisDB   int
)

func init() {
	flag.StringVar(&redisAddr, "redis_addr", "localhost:6379", "redis address to use in testing")
	flag.IntVar(&redisDB, "redis_db", 14, "redis db number to use in testing")
}

// setup returns an RDB bound to a flushed test database, skipping the test
// when no redis server is reachable.
func setup(t *testing.T) *RDB {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis server is not running at %s: %v", redisAddr, err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return NewRDB(client)
}

func makeMsg(id, queue, group string) *base.TaskMessage {
	return &base.TaskMessage{
		ID:      id,
		Queue:   queue,
		Group:   group,
		Method:  "noop",
		Payload: []byte(`{}`),
	}
}

func TestEnqueueWritesKeyspace(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	msg := makeMsg("t1", "default", "imports")
	require.NoError(t, r.Enqueue(ctx, msg))

	c := r.Client()
	ok, err := c.SIsMember(ctx, base.GroupTasksKey("imports"), "t1").Result()
	require.NoError(t, err)
	assert.True(t, ok, "id should be in the membership set")

	_, err = c.ZScore(ctx, base.GroupOrderKey("imports"), "t1").Result()
	assert.NoError(t, err, "id should be in the order index")

	state, err := c.HGet(ctx, base.GroupStateKey("imports"), "t1").Result()
	require.NoError(t, err)
	assert.Equal(t, "waiting", state)

	method, err := c.HGet(ctx, base.GroupMethodKey("imports"), "t1").Result()
	require.NoError(t, err)
	assert.Equal(t, "noop", method)

	groups, err := r.ListGroups(ctx)
	require.NoError(t, err)
	assert.Contains(t, groups, "imports")

	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateWaiting, info.State)
	assert.Equal(t, "default", info.Message.Queue)
}

func TestEnqueueDuplicateID(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	err := r.Enqueue(ctx, makeMsg("t1", "default", "g"))
	require.Error(t, err)
	assert.True(t, errors.IsDuplicateID(err), "want DuplicateIDError, got %v", err)
}

func TestEnqueueUngroupedUsesSyntheticGroup(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "critical", "")))

	groups, err := r.ListGroups(ctx)
	require.NoError(t, err)
	assert.Contains(t, groups, "queue:critical")

	msg, err := r.ClaimNext(ctx, "queue:critical", 10)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "t1", msg.ID)
}

func TestClaimNextArrivalOrder(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Enqueue(ctx, makeMsg(id, "default", "g")))
	}
	var got []string
	for i := 0; i < 3; i++ {
		msg, err := r.ClaimNext(ctx, "g", 1)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, msg.ID)
		require.NoError(t, r.CompleteTask(ctx, msg, base.TaskStateCompleted, ""))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestClaimNextHonorsCap(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("a", "default", "g")))
	require.NoError(t, r.Enqueue(ctx, makeMsg("b", "default", "g")))

	first, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Cap of one: the group must not release a second task while the first
	// is in flight.
	second, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, r.CompleteTask(ctx, first, base.TaskStateCompleted, ""))
	third, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "b", third.ID)
}

func TestClaimNextConcurrent(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("only", "default", "g")))

	const claimers = 50
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := r.ClaimNext(ctx, "g", 1)
			if err == nil && msg != nil {
				winners <- msg.ID
			}
		}()
	}
	wg.Wait()
	close(winners)

	// Exactly one claimer wins; the other 49 observe an empty group.
	var won []string
	for id := range winners {
		won = append(won, id)
	}
	require.Len(t, won, 1)
	assert.Equal(t, "only", won[0])
}

func TestClaimNextSkipsNotDueHead(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	msg := makeMsg("later", "default", "g")
	msg.NotBefore = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, r.Enqueue(ctx, msg))

	got, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompleteTaskClearsIndices(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, r.CompleteTask(ctx, msg, base.TaskStateFailed, "boom"))

	c := r.Client()
	inProcessing, err := c.SIsMember(ctx, base.GroupProcessingKey("g"), "t1").Result()
	require.NoError(t, err)
	assert.False(t, inProcessing)
	err = c.ZScore(ctx, base.GroupOrderKey("g"), "t1").Err()
	assert.Equal(t, redis.Nil, err, "terminal task must not be in the order index")

	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateFailed, info.State)
	assert.Equal(t, "boom", info.Message.LastError)
}

func TestCompleteTaskRejectsNonTerminal(t *testing.T) {
	r := setup(t)
	err := r.CompleteTask(context.Background(), makeMsg("x", "default", "g"), base.TaskStateWaiting, "")
	assert.Error(t, err)
}

func TestRequeueTask(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, r.RequeueTask(ctx, msg, 0))

	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateWaiting, info.State)

	again, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.ID)
	assert.Equal(t, 2, again.Attempts, "each claim counts as an attempt")
}

func TestRequeueDelayedAndForward(t *testing.T) {
	r := setup(t)
	// Start the simulated clock ahead of the redis server clock so the
	// enqueued task is already due from the adapter's point of view.
	clock := timeutil.NewSimulatedClock(time.Now().Add(time.Second))
	r.SetClock(clock)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, r.RequeueTask(ctx, msg, time.Hour))
	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateDelayed, info.State)

	// Not due yet: forwarding changes nothing and the claim yields nothing.
	require.NoError(t, r.ForwardIfReady(ctx, "g"))
	got, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Past the due time the task flips back to waiting and is claimable.
	clock.AdvanceTime(2 * time.Hour)
	require.NoError(t, r.ForwardIfReady(ctx, "g"))
	info, err = r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateWaiting, info.State)

	got, err = r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

func TestPauseAndResumeGroup(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	require.NoError(t, r.Enqueue(ctx, makeMsg("t2", "default", "g")))

	require.NoError(t, r.PauseGroup(ctx, "g"))
	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStatePaused, info.State)

	// A paused head blocks the group.
	got, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.ResumeGroup(ctx, "g"))
	got, err = r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

func TestPauseGroupNotFound(t *testing.T) {
	r := setup(t)
	err := r.PauseGroup(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsGroupNotFound(err), "want GroupNotFoundError, got %v", err)
}

func TestGroupStats(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Enqueue(ctx, makeMsg(fmt.Sprintf("t%d", i), "default", "g")))
	}
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NoError(t, r.CompleteTask(ctx, msg, base.TaskStateCompleted, ""))

	stats, err := r.GroupStats(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Active)

	// A cold cache is recomputed from the state map.
	require.NoError(t, r.Client().Del(ctx, base.GroupStatsKey("g")).Err())
	stats, err = r.GroupStats(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}

func TestGroupSnapshots(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("a", "default", "g1")))
	require.NoError(t, r.Enqueue(ctx, makeMsg("b", "critical", "g2")))

	snaps, err := r.GroupSnapshots(ctx, []string{"g1", "g2", "empty"})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	assert.Equal(t, "a", snaps[0].HeadID)
	assert.Equal(t, "default", snaps[0].HeadQueue)
	assert.Equal(t, base.TaskStateWaiting, snaps[0].HeadState)
	assert.Equal(t, 1, snaps[0].OrderLen)
	assert.Equal(t, 0, snaps[0].Processing)

	assert.Equal(t, "critical", snaps[1].HeadQueue)
	assert.Empty(t, snaps[2].HeadID)
}

func TestListGroupTasks(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Enqueue(ctx, makeMsg(id, "default", "g")))
	}
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NoError(t, r.CompleteTask(ctx, msg, base.TaskStateCompleted, ""))

	all, err := r.ListGroupTasks(ctx, "g", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Message.ID, "oldest first")

	waiting, err := r.ListGroupTasks(ctx, "g", base.TaskStateWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	completed, err := r.ListGroupTasks(ctx, "g", base.TaskStateCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "a", completed[0].Message.ID)
}

func TestReclaimStale(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))
	msg, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// A cutoff before the claim leaves the task alone.
	n, err := r.ReclaimStale(ctx, time.UnixMilli(msg.ClaimedAt).Add(-time.Minute), "g")
	require.NoError(t, err)
	assert.Zero(t, n)

	// A cutoff after the claim treats the worker as dead.
	n, err = r.ReclaimStale(ctx, time.UnixMilli(msg.ClaimedAt).Add(time.Minute), "g")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := r.GetTaskInfo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, base.TaskStateWaiting, info.State)
}

func TestDeleteExpiredTasks(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now().Add(time.Second))
	r.SetClock(clock)
	ctx := context.Background()
	msg := makeMsg("t1", "default", "g")
	msg.Retention = 1 // one second
	require.NoError(t, r.Enqueue(ctx, msg))
	claimed, err := r.ClaimNext(ctx, "g", 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, r.CompleteTask(ctx, claimed, base.TaskStateCompleted, ""))

	clock.AdvanceTime(time.Minute)
	require.NoError(t, r.DeleteExpiredTasks(ctx, 100))

	_, err = r.GetTaskInfo(ctx, "t1")
	require.Error(t, err)
	assert.True(t, errors.IsTaskNotFound(err))

	c := r.Client()
	inMembership, err := c.SIsMember(ctx, base.GroupTasksKey("g"), "t1").Result()
	require.NoError(t, err)
	assert.False(t, inMembership)
}

func TestEventPublishSubscribe(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	pubsub := r.Client().Subscribe(ctx, base.EventChannel(base.EventTaskAdded))
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue(ctx, makeMsg("t1", "default", "g")))

	select {
	case m := <-pubsub.Channel():
		e, err := base.DecodeEvent([]byte(m.Payload))
		require.NoError(t, err)
		assert.Equal(t, base.EventTaskAdded, e.Kind)
		assert.Equal(t, "t1", e.TaskID)
		assert.Equal(t, "g", e.Group)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task_added event")
	}
}

func TestCancelationPubSub(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	pubsub, err := r.CancelationPubSub()
	require.NoError(t, err)
	defer pubsub.Close()
	_, err = pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.PublishCancelation(ctx, "t1"))

	select {
	case m := <-pubsub.Channel():
		assert.Equal(t, "t1", m.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelation")
	}
}
