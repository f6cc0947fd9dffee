// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline provides per-room views over the event store: a
// live tail fed by the sync engine and backward history loading that
// bridges gaps by paginating against the homeserver.
//
// History loads serialize per room so two concurrent LoadHistory
// calls do not fetch the same server page twice; distinct rooms
// proceed in parallel. Interleaving with live appends needs no lock
// here: the store assigns positions inside its own write
// transaction, and overlapping events land in the idempotent append.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
)

// Paginator is the network collaborator for backward history
// fetches. *messaging.Session implements it.
type Paginator interface {
	RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error)
}

// Config holds parameters for a Timeline.
type Config struct {
	Store     *store.Store
	Paginator Paginator
	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
	// PageSize is the backward pagination fetch size. Zero means 50.
	PageSize int
}

// Timeline is the read/append view layered on the store. Safe for
// concurrent use.
type Timeline struct {
	store     *store.Store
	paginator Paginator
	logger    *slog.Logger
	pageSize  int

	mu        sync.Mutex
	roomLocks map[ref.RoomID]*sync.Mutex
	tails     map[ref.RoomID][]*Tail
}

// New builds a Timeline over the given store and paginator.
func New(cfg Config) (*Timeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("timeline: Config.Store is required")
	}
	if cfg.Paginator == nil {
		return nil, fmt.Errorf("timeline: Config.Paginator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = 50
	}
	return &Timeline{
		store:     cfg.Store,
		paginator: cfg.Paginator,
		logger:    logger,
		pageSize:  pageSize,
		roomLocks: make(map[ref.RoomID]*sync.Mutex),
		tails:     make(map[ref.RoomID][]*Tail),
	}, nil
}

// Recent returns the newest limit events of a room in timeline
// order.
func (t *Timeline) Recent(ctx context.Context, roomID ref.RoomID, limit int) ([]store.Event, error) {
	return t.store.Recent(ctx, roomID, limit)
}

// Before returns up to limit events strictly older than position,
// newest first, from local storage only. Use LoadHistory to pull
// more history from the server.
func (t *Timeline) Before(ctx context.Context, roomID ref.RoomID, position int64, limit int) ([]store.Event, error) {
	return t.store.EventsBefore(ctx, roomID, position, limit)
}

// After returns up to limit events strictly newer than position in
// timeline order, from local storage only.
func (t *Timeline) After(ctx context.Context, roomID ref.RoomID, position int64, limit int) ([]store.Event, error) {
	return t.store.EventsAfter(ctx, roomID, position, limit)
}

// LoadHistory ensures at least minCount events of the room are
// available locally, paginating backward through gaps until the
// count is satisfied or the start of the room is reached. Returns
// the newest minCount events in timeline order. Once the start is
// reached, later calls serve from storage without querying the
// server again.
func (t *Timeline) LoadHistory(ctx context.Context, roomID ref.RoomID, minCount int) ([]store.Event, error) {
	lock := t.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	for {
		events, err := t.store.Recent(ctx, roomID, minCount)
		if err != nil {
			return nil, err
		}
		if len(events) >= minCount {
			return events, nil
		}

		gaps, err := t.store.Gaps(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if len(gaps) == 0 {
			// Start of room reached, or nothing more is known to be
			// missing. Either way there is nothing left to fetch.
			return events, nil
		}

		// Fill the highest gap first: it borders the events the
		// caller is scrolling back from.
		if _, err := t.fillGap(ctx, gaps[0]); err != nil {
			return nil, err
		}
	}
}

// FillGap fetches one page of history into a gap. Exposed for
// callers that drive pagination gap by gap instead of by count.
func (t *Timeline) FillGap(ctx context.Context, gap store.Gap) (store.HistoryResult, error) {
	lock := t.roomLock(gap.RoomID)
	lock.Lock()
	defer lock.Unlock()
	return t.fillGap(ctx, gap)
}

func (t *Timeline) fillGap(ctx context.Context, gap store.Gap) (store.HistoryResult, error) {
	response, err := t.paginator.RoomMessages(ctx, gap.RoomID, messaging.RoomMessagesOptions{
		From:      gap.PrevBatch,
		Direction: "b",
		Limit:     t.pageSize,
	})
	if err != nil {
		return store.HistoryResult{}, fmt.Errorf("timeline: paginating %s: %w", gap.RoomID, err)
	}

	events := make([]store.Event, 0, len(response.Chunk))
	for _, wire := range response.Chunk {
		event, err := store.FromWire(gap.RoomID, wire)
		if err != nil {
			return store.HistoryResult{}, err
		}
		events = append(events, event)
	}

	result, err := t.store.AppendHistorical(ctx, gap.RoomID, gap.Position, events, response.End)
	if err != nil {
		return store.HistoryResult{}, err
	}

	t.logger.Debug("filled timeline gap",
		"room_id", gap.RoomID.String(),
		"appended", len(result.Appended),
		"gap_closed", result.GapClosed,
		"start_reached", result.StartReached)
	return result, nil
}

func (t *Timeline) roomLock(roomID ref.RoomID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		t.roomLocks[roomID] = lock
	}
	return lock
}
