// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

const eventColumns = `room_id, event_id, type, sender, state_key, content,
	ciphertext, session_id, decryption_error, origin_ts, position`

// scanEvent reads one event row. Column order must match
// eventColumns.
func scanEvent(stmt *sqlite.Stmt) (Event, error) {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return Event{}, fmt.Errorf("store: stored room ID: %w", err)
	}
	eventID, err := ref.ParseEventID(stmt.ColumnText(1))
	if err != nil {
		return Event{}, fmt.Errorf("store: stored event ID: %w", err)
	}
	sender, err := ref.ParseUserID(stmt.ColumnText(3))
	if err != nil {
		return Event{}, fmt.Errorf("store: stored sender: %w", err)
	}

	event := Event{
		RoomID:         roomID,
		EventID:        eventID,
		Type:           ref.EventType(stmt.ColumnText(2)),
		Sender:         sender,
		OriginServerTS: stmt.ColumnInt64(9),
		Position:       stmt.ColumnInt64(10),
	}

	if stmt.ColumnType(4) != sqlite.TypeNull {
		stateKey := stmt.ColumnText(4)
		event.StateKey = &stateKey
	}

	content := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, content)
	event.Content = codec.RawMessage(content)

	if stmt.ColumnType(6) != sqlite.TypeNull {
		ciphertext := make([]byte, stmt.ColumnLen(6))
		stmt.ColumnBytes(6, ciphertext)
		event.Ciphertext = codec.RawMessage(ciphertext)
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		sessionID, err := ref.ParseSessionID(stmt.ColumnText(7))
		if err != nil {
			return Event{}, fmt.Errorf("store: stored session ID: %w", err)
		}
		event.SessionID = sessionID
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		event.DecryptionError = stmt.ColumnText(8)
	}

	return event, nil
}

// Event returns a single event by ID, or ErrNotFound.
func (s *Store) Event(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Event{}, err
	}
	defer s.pool.Put(conn)

	var found bool
	var event Event
	err = sqlitex.Execute(conn, `
		SELECT `+eventColumns+` FROM events WHERE room_id = ? AND event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), eventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				event, scanErr = scanEvent(stmt)
				return scanErr
			},
		})
	if err != nil {
		return Event{}, fmt.Errorf("store: reading %s: %w", eventID, err)
	}
	if !found {
		return Event{}, ErrNotFound
	}
	return event, nil
}

// Recent returns the newest limit events of a room in timeline order
// (oldest of the window first).
func (s *Store) Recent(ctx context.Context, roomID ref.RoomID, limit int) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `
		SELECT `+eventColumns+` FROM events
		WHERE room_id = ? ORDER BY position DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event, scanErr := scanEvent(stmt)
				if scanErr != nil {
					return scanErr
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading recent events of %s: %w", roomID, err)
	}

	// Flip newest-first scan order into timeline order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsBefore returns up to limit events strictly below position,
// newest first. Used for walking a timeline backward.
func (s *Store) EventsBefore(ctx context.Context, roomID ref.RoomID, position int64, limit int) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `
		SELECT `+eventColumns+` FROM events
		WHERE room_id = ? AND position < ?
		ORDER BY position DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), position, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event, scanErr := scanEvent(stmt)
				if scanErr != nil {
					return scanErr
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading events of %s before %d: %w", roomID, position, err)
	}
	return events, nil
}

// EventsAfter returns up to limit events strictly above position in
// timeline order. Used for walking a timeline forward, resuming a
// live view from a known position.
func (s *Store) EventsAfter(ctx context.Context, roomID ref.RoomID, position int64, limit int) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `
		SELECT `+eventColumns+` FROM events
		WHERE room_id = ? AND position > ?
		ORDER BY position LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), position, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event, scanErr := scanEvent(stmt)
				if scanErr != nil {
					return scanErr
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading events of %s after %d: %w", roomID, position, err)
	}
	return events, nil
}

// Gaps returns a room's open gaps, highest position first.
func (s *Store) Gaps(ctx context.Context, roomID ref.RoomID) ([]Gap, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var gaps []Gap
	err = sqlitex.Execute(conn, `
		SELECT position, prev_batch FROM gaps
		WHERE room_id = ? ORDER BY position DESC`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				gaps = append(gaps, Gap{
					RoomID:    roomID,
					Position:  stmt.ColumnInt64(0),
					PrevBatch: stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading gaps of %s: %w", roomID, err)
	}
	return gaps, nil
}

// PendingDecryption returns the events sealed under sessionID that
// are still waiting for a usable session, oldest first. The sync
// engine retries them when the session arrives.
func (s *Store) PendingDecryption(ctx context.Context, sessionID ref.SessionID) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND decryption_error IS NOT NULL
		ORDER BY room_id, position`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event, scanErr := scanEvent(stmt)
				if scanErr != nil {
					return scanErr
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading pending events for session %s: %w", sessionID, err)
	}
	return events, nil
}

// ResolveDecryption replaces an undecryptable event's content with
// its decrypted form. The original ciphertext stays in place; only
// the presented type, content, and error flag change.
func (s *Store) ResolveDecryption(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, eventType ref.EventType, content codec.RawMessage) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE events SET type = ?, content = ?, decryption_error = NULL
		WHERE room_id = ? AND event_id = ? AND decryption_error IS NOT NULL`,
		&sqlitex.ExecOptions{Args: []any{
			eventType.String(), []byte(content), roomID.String(), eventID.String(),
		}})
	if err != nil {
		return fmt.Errorf("store: resolving decryption of %s: %w", eventID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: no pending event %s in %s: %w", eventID, roomID, ErrNotFound)
	}
	return nil
}
