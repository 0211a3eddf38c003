// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horusqlite

import "sync"

// EventType names the notifications published by the sync engine.
type EventType string

const (
	EventOnReady       EventType = "ON_READY"
	EventPushSuccess   EventType = "SYNC_PUSH_SUCCESS"
	EventPushFailed    EventType = "SYNC_PUSH_FAILED"
	EventActionCreated EventType = "ACTION_CREATED"
	EventEntityCreated EventType = "ENTITY_CREATED"
	EventEntityUpdated EventType = "ENTITY_UPDATED"
	EventEntityDeleted EventType = "ENTITY_DELETED"
)

// Event is one fire-and-forget notification. Entity/ID/Attributes are
// set for entity-change events, Err for push failures.
type Event struct {
	Type       EventType
	Entity     string
	ID         string
	Attributes map[string]any
	Err        error
}

// EventBus is an instance-scoped publish/subscribe registry. It is
// owned by the Client rather than shared process-wide, so independent
// clients (and tests) never observe each other's listeners.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType]map[int]func(Event))}
}

// Subscribe registers cb for events of type t and returns an
// unsubscribe func.
func (b *EventBus) Subscribe(t EventType, cb func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	b.subs[t][id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// Publish delivers ev to every subscriber of its type. Callbacks run on
// the publisher's goroutine against a snapshot of the registry, so a
// callback may subscribe or unsubscribe without deadlocking.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	callbacks := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, cb := range b.subs[ev.Type] {
		callbacks = append(callbacks, cb)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}
