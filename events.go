// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package groupq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groupq/groupq/internal/base"
	"github.com/redis/go-redis/v9"
)

// Event kinds as they appear on the wire. Subscribe with these names.
const (
	EventStatusChange   = base.EventStatusChange
	EventTaskAdded      = base.EventTaskAdded
	EventTaskCompleted  = base.EventTaskCompleted
	EventTaskFailed     = base.EventTaskFailed
	EventGroupChange    = base.EventGroupChange
	EventProgressUpdate = base.EventProgressUpdate
	EventRetryAttempt   = base.EventRetryAttempt
)

// AllEventKinds lists every event kind the bus emits.
func AllEventKinds() []string {
	kinds := make([]string, len(base.AllEventKinds))
	copy(kinds, base.AllEventKinds)
	return kinds
}

// Event is a lifecycle notification published on the event bus.
//
// Delivery is best-effort: the bus never blocks task processing and
// subscribers must tolerate missed events, reconciling from the task
// registry when exactness is required.
type Event struct {
	// Kind is one of the Event* constants.
	Kind string `json:"kind"`

	// TaskID identifies the task the event concerns.
	TaskID string `json:"task_id"`

	// Group is the group the task belongs to, if any.
	Group string `json:"group,omitempty"`

	// State carries the wire name of the new state for status changes.
	State string `json:"state,omitempty"`

	// Data carries kind-specific details, e.g. the error of a failure or
	// the payload of a progress update.
	Data json.RawMessage `json:"data,omitempty"`
}

// An Observer consumes lifecycle events from the bus.
//
// An Observer is independent of any Server; it holds its own connection and
// can run in a process that neither produces nor executes tasks.
type Observer struct {
	client redis.UniversalClient
	// When an Observer has been created with an existing Redis connection, we
	// do not want to close it.
	sharedConnection bool
}

// NewObserver returns a new Observer given a redis connection option.
func NewObserver(r RedisConnOpt) *Observer {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("groupq: unsupported RedisConnOpt type %T", r))
	}
	obs := NewObserverFromRedisClient(redisClient)
	obs.sharedConnection = false
	return obs
}

// NewObserverFromRedisClient returns a new Observer given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by groupq, you are responsible for closing it.
func NewObserverFromRedisClient(c redis.UniversalClient) *Observer {
	return &Observer{client: c, sharedConnection: true}
}

// Close closes the connection with redis.
func (o *Observer) Close() error {
	if o.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Observer can't be closed through groupq")
	}
	return o.client.Close()
}

// Subscribe starts delivering events of the given kinds. With no kinds, it
// subscribes to every kind.
//
// Cancel the context or close the subscription to stop delivery.
func (o *Observer) Subscribe(ctx context.Context, kinds ...string) (*Subscription, error) {
	if len(kinds) == 0 {
		kinds = base.AllEventKinds
	}
	channels := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		channels = append(channels, base.EventChannel(kind))
	}
	pubsub := o.client.Subscribe(ctx, channels...)
	// Confirm the subscription before handing out the channel so the caller
	// does not miss events published right after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan *Event),
		done:   make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

// A Subscription is a live feed of events from an Observer.
type Subscription struct {
	pubsub *redis.PubSub
	events chan *Event
	done   chan struct{}
}

// Events returns the channel on which events are delivered.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Event { return s.events }

// Close terminates the subscription.
func (s *Subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			raw, err := base.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				continue // tolerate malformed payloads on the bus
			}
			e := &Event{
				Kind:   raw.Kind,
				TaskID: raw.TaskID,
				Group:  raw.Group,
				State:  raw.State,
				Data:   raw.Data,
			}
			select {
			case s.events <- e:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}
