// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/ref"
)

// resolveState applies one accepted state event to the room's
// resolved state. Resolution is last-write-wins by arrival order:
// every accepted state event bumps the room's generation and takes
// over its (type, state key) slot unconditionally.
//
// The encryption flag is the one exception to pure overwrite: an
// encryption policy event sets it, and nothing ever clears it. A
// later state event claiming the room is unencrypted still occupies
// the state slot but cannot reopen plaintext routing.
func resolveState(conn *sqlite.Conn, event *Event) error {
	var generation int64
	err := sqlitex.Execute(conn, `
		UPDATE rooms SET generation = generation + 1
		WHERE room_id = ? RETURNING generation`,
		&sqlitex.ExecOptions{
			Args: []any{event.RoomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				generation = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: advancing generation for %s: %w", event.RoomID, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO room_state (room_id, type, state_key, event_id, generation)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, type, state_key) DO UPDATE SET
			event_id = excluded.event_id,
			generation = excluded.generation`,
		&sqlitex.ExecOptions{Args: []any{
			event.RoomID.String(),
			event.Type.String(),
			*event.StateKey,
			event.EventID.String(),
			generation,
		}})
	if err != nil {
		return fmt.Errorf("store: resolving state %s/%s in %s: %w",
			event.Type, *event.StateKey, event.RoomID, err)
	}

	if event.Type == ref.TypeEncryption {
		err = sqlitex.Execute(conn, `UPDATE rooms SET encrypted = 1 WHERE room_id = ?`,
			&sqlitex.ExecOptions{Args: []any{event.RoomID.String()}})
		if err != nil {
			return fmt.Errorf("store: latching encryption for %s: %w", event.RoomID, err)
		}
	}
	return nil
}

// StateEvent returns the current state event for (type, stateKey),
// or ErrNotFound if the slot is unset.
func (s *Store) StateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Event{}, err
	}
	defer s.pool.Put(conn)

	var found bool
	var event Event
	err = sqlitex.Execute(conn, `
		SELECT e.room_id, e.event_id, e.type, e.sender, e.state_key, e.content,
		       e.ciphertext, e.session_id, e.decryption_error, e.origin_ts, e.position
		FROM room_state rs
		JOIN events e ON e.room_id = rs.room_id AND e.event_id = rs.event_id
		WHERE rs.room_id = ? AND rs.type = ? AND rs.state_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), eventType.String(), stateKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				event, scanErr = scanEvent(stmt)
				return scanErr
			},
		})
	if err != nil {
		return Event{}, fmt.Errorf("store: reading state %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	if !found {
		return Event{}, ErrNotFound
	}
	return event, nil
}

// StateSnapshot returns the room's full resolved state, ordered by
// (type, state key) for determinism.
func (s *Store) StateSnapshot(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `
		SELECT e.room_id, e.event_id, e.type, e.sender, e.state_key, e.content,
		       e.ciphertext, e.session_id, e.decryption_error, e.origin_ts, e.position
		FROM room_state rs
		JOIN events e ON e.room_id = rs.room_id AND e.event_id = rs.event_id
		WHERE rs.room_id = ?
		ORDER BY rs.type, rs.state_key`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
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
		return nil, fmt.Errorf("store: reading state snapshot of %s: %w", roomID, err)
	}
	return events, nil
}

// IsEncrypted reports whether the room's encryption latch is set.
// Unknown rooms are unencrypted.
func (s *Store) IsEncrypted(ctx context.Context, roomID ref.RoomID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	encrypted := false
	err = sqlitex.Execute(conn, `SELECT encrypted FROM rooms WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encrypted = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: reading encryption latch of %s: %w", roomID, err)
	}
	return encrypted, nil
}

// Members returns the user IDs whose current membership state in the
// room matches the given value (e.g., "join").
func (s *Store) Members(ctx context.Context, roomID ref.RoomID, membership string) ([]ref.UserID, error) {
	snapshot, err := s.StateSnapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var members []ref.UserID
	for _, event := range snapshot {
		if event.Type != ref.TypeMember {
			continue
		}
		content, err := event.ContentMap()
		if err != nil {
			return nil, err
		}
		if content["membership"] != membership {
			continue
		}
		userID, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return nil, fmt.Errorf("store: member state key in %s: %w", roomID, err)
		}
		members = append(members, userID)
	}
	return members, nil
}
