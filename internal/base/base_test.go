// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateRoundTrip(t *testing.T) {
	states := []TaskState{
		TaskStateWaiting,
		TaskStateActive,
		TaskStateCompleted,
		TaskStateFailed,
		TaskStateDelayed,
		TaskStatePaused,
		TaskStateUnknown,
	}
	wire := []string{"waiting", "active", "completed", "failed", "delayed", "paused", "unknown"}
	require.Len(t, states, len(wire))
	for i, state := range states {
		assert.Equal(t, wire[i], state.String())
		parsed, err := TaskStateFromString(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}
	_, err := TaskStateFromString("archived")
	assert.Error(t, err)
}

func TestTaskStateIsTerminal(t *testing.T) {
	assert.True(t, TaskStateCompleted.IsTerminal())
	assert.True(t, TaskStateFailed.IsTerminal())
	assert.False(t, TaskStateWaiting.IsTerminal())
	assert.False(t, TaskStateActive.IsTerminal())
	assert.False(t, TaskStateDelayed.IsTerminal())
	assert.False(t, TaskStatePaused.IsTerminal())
}

func TestKeyFunctions(t *testing.T) {
	assert.Equal(t, "task:abc123", TaskKey("abc123"))
	assert.Equal(t, "group:imports:tasks", GroupTasksKey("imports"))
	assert.Equal(t, "group:imports:order", GroupOrderKey("imports"))
	assert.Equal(t, "group:imports:processing", GroupProcessingKey("imports"))
	assert.Equal(t, "group:imports:state", GroupStateKey("imports"))
	assert.Equal(t, "group:imports:options", GroupOptionsKey("imports"))
	assert.Equal(t, "group:imports:data", GroupDataKey("imports"))
	assert.Equal(t, "group:imports:method", GroupMethodKey("imports"))
	assert.Equal(t, "group:imports:stats", GroupStatsKey("imports"))
	assert.Equal(t, "events:status_change", EventChannel(EventStatusChange))
}

func TestSyntheticGroup(t *testing.T) {
	assert.Equal(t, "queue:default", SyntheticGroup("default"))
	assert.True(t, IsSyntheticGroup("queue:default"))
	assert.False(t, IsSyntheticGroup("imports"))
}

func TestEffectiveGroup(t *testing.T) {
	grouped := &TaskMessage{ID: "a", Queue: "default", Group: "imports"}
	assert.Equal(t, "imports", grouped.EffectiveGroup())

	ungrouped := &TaskMessage{ID: "b", Queue: "critical"}
	assert.Equal(t, "queue:critical", ungrouped.EffectiveGroup())
}

func TestMessageEncoding(t *testing.T) {
	msg := &TaskMessage{
		ID:         "task-1",
		Queue:      "default",
		Group:      "imports",
		Method:     "csv:import",
		Payload:    []byte(`{"file":"a.csv"}`),
		Priority:   2,
		MaxRetries: 3,
		RetryDelay: 250,
		NotBefore:  time.Now().Add(time.Minute).UnixMilli(),
		Timeout:    30,
		Attempts:   1,
		State:      "delayed",
		LastError:  "boom",
		CreatedAt:  time.Now().UnixMilli(),
		UpdatedAt:  time.Now().UnixMilli(),
	}
	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
}

func TestEventEncoding(t *testing.T) {
	e := &Event{
		Kind:   EventStatusChange,
		TaskID: "task-1",
		Group:  "imports",
		State:  "active",
		Data:   json.RawMessage(`{"op":"claim"}`),
	}
	encoded, err := EncodeEvent(e)
	require.NoError(t, err)
	decoded, err := DecodeEvent(encoded)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestValidateNames(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.Error(t, ValidateQueueName("  "))
	assert.NoError(t, ValidateGroupName("imports"))
	assert.Error(t, ValidateGroupName(""))
	assert.Error(t, ValidateGroupName("queue:sneaky"), "synthetic prefix is reserved")
}

func TestGroupSnapshotHeadDue(t *testing.T) {
	now := time.Now()
	due := &GroupSnapshot{HeadID: "a", HeadScore: now.Add(-time.Second).UnixMilli() * 1000}
	assert.True(t, due.HeadDue(now))

	notDue := &GroupSnapshot{HeadID: "a", HeadScore: now.Add(time.Hour).UnixMilli() * 1000}
	assert.False(t, notDue.HeadDue(now))

	empty := &GroupSnapshot{}
	assert.False(t, empty.HeadDue(now))
}

func TestCancelations(t *testing.T) {
	c := NewCancelations()
	called := false
	c.Add("id1", func() { called = true })

	fn, ok := c.Get("id1")
	require.True(t, ok)
	fn()
	assert.True(t, called)

	c.Delete("id1")
	_, ok = c.Get("id1")
	assert.False(t, ok)
}
