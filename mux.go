// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"fmt"
	"sync"
)

// ServeMux is a multiplexer for task handlers: it maps a task's method name
// to the handler registered under that exact name.
//
// Registration is an explicit call; there is no reflective discovery of
// handlers. ServeMux is safe for concurrent use.
type ServeMux struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewServeMux allocates and returns a new ServeMux.
func NewServeMux() *ServeMux {
	return &ServeMux{m: make(map[string]Handler)}
}

// ProcessTask dispatches the task to the handler whose name matches the
// task's method.
func (mux *ServeMux) ProcessTask(ctx context.Context, task *Task) error {
	h, err := mux.Handler(task)
	if err != nil {
		return err
	}
	return h.ProcessTask(ctx, task)
}

// Handler returns the handler to use for the given task. It always returns
// a non-nil handler or a non-nil error.
func (mux *ServeMux) Handler(t *Task) (Handler, error) {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	h, ok := mux.m[t.Method()]
	if !ok {
		return nil, &NotFoundError{Method: t.Method()}
	}
	return h, nil
}

// Handle registers the handler under the given method name.
// It panics on an empty method, a nil handler, or a duplicate registration.
func (mux *ServeMux) Handle(method string, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if method == "" {
		panic("groupq: invalid method name")
	}
	if handler == nil {
		panic("groupq: nil handler")
	}
	if _, exist := mux.m[method]; exist {
		panic(fmt.Sprintf("groupq: multiple registrations for %q", method))
	}
	mux.m[method] = handler
}

// HandleFunc registers the handler function under the given method name.
func (mux *ServeMux) HandleFunc(method string, handler func(context.Context, *Task) error) {
	if handler == nil {
		panic("groupq: nil handler")
	}
	mux.Handle(method, HandlerFunc(handler))
}

// NotFoundError is returned when no handler is registered for a task's
// method name. It is not retried; the task fails directly.
type NotFoundError struct {
	Method string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("handler not found for method %q", e.Method)
}
