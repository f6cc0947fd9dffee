// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"runtime/debug"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/store"
)

// Handler observes events as they are applied. Handlers run on the
// applying goroutine; slow work belongs on the handler's own
// goroutine. Decrypted events arrive with their inner type, so a
// handler registered for a message type sees messages from encrypted
// rooms too.
type Handler func(roomID ref.RoomID, event store.Event)

// OnEvent registers a handler for an event type. The wildcard type
// "*" receives every applied event. Registration is not synchronized
// with running cycles; register handlers before starting the engine.
func (e *Engine) OnEvent(eventType ref.EventType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// dispatch fans applied events out to registered handlers. A
// panicking handler is logged and skipped; a listener fault never
// aborts the cycle that fed it.
func (e *Engine) dispatch(roomID ref.RoomID, events []store.Event) {
	e.mu.Lock()
	handlers := e.handlers
	e.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	for i := range events {
		event := events[i]
		for _, handler := range handlers[event.Type] {
			e.invoke(handler, roomID, event)
		}
		for _, handler := range handlers["*"] {
			e.invoke(handler, roomID, event)
		}
	}
}

func (e *Engine) invoke(handler Handler, roomID ref.RoomID, event store.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"room_id", roomID.String(),
				"event_id", event.EventID.String(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(roomID, event)
}
