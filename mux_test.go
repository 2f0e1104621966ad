// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeMuxDispatch(t *testing.T) {
	mux := NewServeMux()
	var called string
	mux.HandleFunc("email:send", func(ctx context.Context, task *Task) error {
		called = task.Method()
		return nil
	})

	err := mux.ProcessTask(context.Background(), NewTask("email:send", nil))
	require.NoError(t, err)
	assert.Equal(t, "email:send", called)
}

func TestServeMuxNotFound(t *testing.T) {
	mux := NewServeMux()
	err := mux.ProcessTask(context.Background(), NewTask("missing", nil))
	require.Error(t, err)
	var nferr *NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "missing", nferr.Method)
}

func TestServeMuxDuplicateRegistrationPanics(t *testing.T) {
	mux := NewServeMux()
	mux.HandleFunc("dup", func(ctx context.Context, task *Task) error { return nil })
	assert.Panics(t, func() {
		mux.HandleFunc("dup", func(ctx context.Context, task *Task) error { return nil })
	})
}

func TestServeMuxInvalidRegistrationPanics(t *testing.T) {
	mux := NewServeMux()
	assert.Panics(t, func() { mux.Handle("", HandlerFunc(func(context.Context, *Task) error { return nil })) })
	assert.Panics(t, func() { mux.Handle("x", nil) })
	assert.Panics(t, func() { mux.HandleFunc("y", nil) })
}
