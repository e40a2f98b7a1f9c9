// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher is the interface engine components emit through. The
// concrete Emitter fans out to subscribers; tests use Capture.
type Publisher interface {
	Publish(eventType Type, data any)
}

// Handler processes events delivered to a subscription.
type Handler func(event *Event)

// subscription pairs a handler with its type filter.
type subscription struct {
	id      string
	handler Handler
	types   []Type
}

// Emitter broadcasts engine events to registered subscribers and keeps
// a bounded replay buffer for late-attaching collaborators.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size (default 1000).
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		bufferSize:    1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given event types.
//
// Inputs:
//
//	handler - Function to call for each matching event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		types:   types,
	}
	e.subscriptions[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Publish broadcasts an event to all matching subscribers.
//
// Description:
//
//	Builds the event, appends it to the replay buffer (evicting the
//	oldest entry when full), and invokes matching handlers. Handler
//	panics are recovered so one misbehaving collaborator cannot take
//	down the engine's event path.
//
// Thread Safety: safe for concurrent use.
func (e *Emitter) Publish(eventType Type, data any) {
	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	e.mu.Unlock()

	for _, sub := range subs {
		if matches(sub, event.Type) {
			invoke(sub.handler, &event)
		}
	}
}

// invoke calls a handler with panic recovery.
func invoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

func matches(sub *subscription, t Type) bool {
	if len(sub.types) == 0 {
		return true
	}
	for _, want := range sub.types {
		if want == t {
			return true
		}
	}
	return false
}

// Buffer returns a copy of the replay buffer.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferByType returns buffered events of a specific type.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Capture records events for assertions in tests.
type Capture struct {
	mu     sync.RWMutex
	events []Event
}

// NewCapture creates an empty Capture.
func NewCapture() *Capture {
	return &Capture{events: make([]Event, 0)}
}

// Publish records an event.
func (c *Capture) Publish(eventType Type, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Events returns all recorded events.
func (c *Capture) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns recorded events of a specific type.
func (c *Capture) ByType(eventType Type) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events, optionally restricted
// to the given types.
func (c *Capture) Count(types ...Type) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(types) == 0 {
		return len(c.events)
	}
	n := 0
	for _, ev := range c.events {
		for _, t := range types {
			if ev.Type == t {
				n++
				break
			}
		}
	}
	return n
}

var (
	_ Publisher = (*Emitter)(nil)
	_ Publisher = (*Capture)(nil)
)
