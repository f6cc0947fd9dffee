// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"errors"
	"math"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/store"
)

// ErrTailLagged is reported by a Tail whose subscriber fell behind
// the live stream. The subscriber resumes with TailFrom at its last
// seen position; nothing is lost from storage.
var ErrTailLagged = errors.New("timeline: tail fell behind")

// Tail is a live subscription to one room's appended events. The
// sync engine publishes into it after each applied delta.
type Tail struct {
	// C delivers events in append order. Closed when the tail is
	// cancelled or falls behind; check Err afterwards.
	C <-chan store.Event

	timeline *Timeline
	roomID   ref.RoomID
	send     chan store.Event
	// last is the highest position delivered; Broadcast skips events
	// at or below it so an anchored tail never double-delivers its
	// catch-up window.
	last   int64
	err    error
	closed bool
}

// Tail opens a live subscription to a room. The buffer bounds how
// far the subscriber may fall behind the sync engine before the tail
// is dropped; zero means 256.
func (t *Timeline) Tail(roomID ref.RoomID, buffer int) *Tail {
	if buffer <= 0 {
		buffer = 256
	}
	send := make(chan store.Event, buffer)
	tail := &Tail{
		C:        send,
		timeline: t,
		roomID:   roomID,
		send:     send,
		last:     math.MinInt64,
	}

	t.mu.Lock()
	t.tails[roomID] = append(t.tails[roomID], tail)
	t.mu.Unlock()
	return tail
}

// TailFrom opens a live subscription anchored at a stored position:
// events already stored after position come back as the catch-up
// slice, and the tail delivers only what follows them. A subscriber
// dropped with ErrTailLagged resumes from its last seen position
// without missing or double-seeing events.
func (t *Timeline) TailFrom(ctx context.Context, roomID ref.RoomID, position int64, buffer int) ([]store.Event, *Tail, error) {
	if buffer <= 0 {
		buffer = 256
	}

	// Holding the registry mutex keeps Broadcast out while the
	// catch-up window is read, so an append landing now is either
	// seen by the read loop or delivered through the channel once the
	// tail registers. The position check in Broadcast absorbs the
	// overlap.
	t.mu.Lock()
	defer t.mu.Unlock()

	var catchUp []store.Event
	last := position
	for {
		page, err := t.store.EventsAfter(ctx, roomID, last, 256)
		if err != nil {
			return nil, nil, err
		}
		if len(page) == 0 {
			break
		}
		catchUp = append(catchUp, page...)
		last = page[len(page)-1].Position
	}

	send := make(chan store.Event, buffer)
	tail := &Tail{
		C:        send,
		timeline: t,
		roomID:   roomID,
		send:     send,
		last:     last,
	}
	t.tails[roomID] = append(t.tails[roomID], tail)
	return catchUp, tail, nil
}

// Err reports why C was closed: nil after Close, ErrTailLagged when
// the subscriber fell behind.
func (l *Tail) Err() error {
	l.timeline.mu.Lock()
	defer l.timeline.mu.Unlock()
	return l.err
}

// Close cancels the subscription.
func (l *Tail) Close() {
	l.timeline.mu.Lock()
	defer l.timeline.mu.Unlock()
	l.closeLocked(nil)
}

// closeLocked detaches the tail and closes its channel. Caller holds
// the timeline mutex.
func (l *Tail) closeLocked(reason error) {
	if l.closed {
		return
	}
	l.closed = true
	l.err = reason

	tails := l.timeline.tails[l.roomID]
	for i, tail := range tails {
		if tail == l {
			l.timeline.tails[l.roomID] = append(tails[:i], tails[i+1:]...)
			break
		}
	}
	close(l.send)
}

// Broadcast publishes freshly appended events to a room's tails.
// Never blocks: a tail whose buffer is full is dropped with
// ErrTailLagged instead of stalling the sync cycle.
func (t *Timeline) Broadcast(roomID ref.RoomID, events []store.Event) {
	if len(events) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Iterate over a copy: a lagged tail removes itself from the
	// registry mid-loop.
	tails := append([]*Tail(nil), t.tails[roomID]...)
	for _, tail := range tails {
		for i, event := range events {
			if event.Position <= tail.last {
				continue
			}
			select {
			case tail.send <- event:
				tail.last = event.Position
			default:
				t.logger.Warn("dropping lagged timeline tail",
					"room_id", roomID.String(), "undelivered", len(events)-i)
				tail.closeLocked(ErrTailLagged)
			}
			if tail.closed {
				break
			}
		}
	}
}
