// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"

	"github.com/groupq/groupq/internal/base"
)

// A taskMetadata holds task scoped data a handler can read back from its
// context, plus the hook used to publish progress.
type taskMetadata struct {
	id      string
	group   string
	attempt int
	broker  base.Broker
}

// ctxKey type is unexported to prevent collisions with context keys defined
// in other packages.
type ctxKey int

// metadataCtxKey is the context key for the task metadata.
// Its value of zero is arbitrary.
const metadataCtxKey ctxKey = 0

// createContext returns a context carrying the task metadata of the given task message.
func createContext(ctx context.Context, msg *base.TaskMessage, broker base.Broker) context.Context {
	metadata := taskMetadata{
		id:      msg.ID,
		group:   msg.Group,
		attempt: msg.Attempts,
		broker:  broker,
	}
	return context.WithValue(ctx, metadataCtxKey, metadata)
}

// GetTaskID extracts a task ID from a context, if any.
//
// The task ID is injected by the worker executing the task; GetTaskID
// returns false outside a handler invocation.
func GetTaskID(ctx context.Context) (id string, ok bool) {
	metadata, ok := ctx.Value(metadataCtxKey).(taskMetadata)
	if !ok {
		return "", false
	}
	return metadata.id, true
}

// GetAttempt extracts the attempt number of a task from a context, if any.
//
// The attempt number starts at 1 for the first execution.
func GetAttempt(ctx context.Context) (n int, ok bool) {
	metadata, ok := ctx.Value(metadataCtxKey).(taskMetadata)
	if !ok {
		return 0, false
	}
	return metadata.attempt, true
}

// GetGroup extracts the group label of a task from a context, if any.
// Ungrouped tasks report an empty group with ok set to true.
func GetGroup(ctx context.Context) (group string, ok bool) {
	metadata, ok := ctx.Value(metadataCtxKey).(taskMetadata)
	if !ok {
		return "", false
	}
	return metadata.group, true
}

// ReportProgress publishes a progress_update event for the task being
// executed in this context. Delivery is best-effort; handlers should not
// depend on observers seeing every update.
func ReportProgress(ctx context.Context, data []byte) error {
	metadata, ok := ctx.Value(metadataCtxKey).(taskMetadata)
	if !ok {
		return ErrNotInHandler
	}
	return metadata.broker.PublishEvent(ctx, &base.Event{
		Kind:   base.EventProgressUpdate,
		TaskID: metadata.id,
		Group:  metadata.group,
		Data:   data,
	})
}
