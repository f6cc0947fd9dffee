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

// AppendResult reports what a live append actually wrote.
type AppendResult struct {
	// Appended holds the newly stored events with their assigned
	// positions, in timeline order.
	Appended []Event
	// Skipped counts events that were already present. A replayed
	// sync delta after a crash skips everything.
	Skipped int
}

// HistoryResult reports the outcome of splicing one page of
// backward pagination into a gap.
type HistoryResult struct {
	// Appended holds the newly stored events, newest first (the
	// order the server returned them).
	Appended []Event
	// GapClosed is set when the page overlapped an event we already
	// had: the unknown span is exhausted and the gap is gone.
	GapClosed bool
	// StartReached is set when the page hit the room's first event.
	// The gap is gone and no further pagination is possible.
	StartReached bool
}

// AppendLive applies one room's sync timeline batch. Events must be
// in the order the server delivered them (oldest first). The append
// is idempotent: events already stored are skipped without touching
// state or positions, so replaying a delta after a crash is safe.
//
// prevBatch is the batch's pagination token. When the batch starts
// on an event we have not seen before, a gap carrying the token is
// recorded just below it; when the batch overlaps known events the
// timeline is contiguous and no gap is needed.
//
// State events in the batch update the room's resolved state in
// arrival order. An accepted encryption policy event latches the
// room as encrypted permanently.
func (s *Store) AppendLive(ctx context.Context, roomID ref.RoomID, events []Event, prevBatch string) (result AppendResult, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return AppendResult{}, fmt.Errorf("store: begin append for %s: %w", roomID, err)
	}
	defer endTransaction(&err)

	if err := ensureRoom(conn, roomID); err != nil {
		return AppendResult{}, err
	}

	head, err := maxPosition(conn, roomID)
	if err != nil {
		return AppendResult{}, err
	}

	firstOfBatchNew := false
	for index, event := range events {
		exists, err := eventExists(conn, roomID, event.EventID)
		if err != nil {
			return AppendResult{}, err
		}
		if exists {
			result.Skipped++
			continue
		}
		if index == 0 {
			firstOfBatchNew = true
		}

		head += positionStride
		event.RoomID = roomID
		event.Position = head
		if err := insertEvent(conn, &event); err != nil {
			return AppendResult{}, err
		}
		if event.IsState() {
			if err := resolveState(conn, &event); err != nil {
				return AppendResult{}, err
			}
		}
		result.Appended = append(result.Appended, event)
	}

	if prevBatch != "" && firstOfBatchNew {
		startReached, err := startReached(conn, roomID)
		if err != nil {
			return AppendResult{}, err
		}
		if !startReached {
			err = sqlitex.Execute(conn, `
				INSERT OR IGNORE INTO gaps (room_id, position, prev_batch) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{roomID.String(), result.Appended[0].Position, prevBatch}})
			if err != nil {
				return AppendResult{}, fmt.Errorf("store: recording gap for %s: %w", roomID, err)
			}
		}
	}

	return result, nil
}

// AppendHistorical splices one backward pagination page into the gap
// at gapPosition. Events must be newest first, as returned by the
// server for a backward fetch. nextToken is the page's end token;
// empty means the server has no further history.
//
// The page's events receive descending positions immediately below
// the gap. An event we already have closes the gap; a room creation
// event (or an exhausted server) marks the room's start as reached.
// Otherwise the gap moves down to the oldest spliced event with the
// new token.
//
// Historical state events are stored but never touch the room's
// resolved state: resolution is by arrival order, and everything in
// a backfill is older than what live sync already applied.
func (s *Store) AppendHistorical(ctx context.Context, roomID ref.RoomID, gapPosition int64, events []Event, nextToken string) (result HistoryResult, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return HistoryResult{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("store: begin backfill for %s: %w", roomID, err)
	}
	defer endTransaction(&err)

	var token string
	err = sqlitex.Execute(conn, `
		SELECT prev_batch FROM gaps WHERE room_id = ? AND position = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), gapPosition},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return HistoryResult{}, fmt.Errorf("store: reading gap for %s: %w", roomID, err)
	}
	if token == "" {
		return HistoryResult{}, fmt.Errorf("store: no gap at position %d in %s: %w", gapPosition, roomID, ErrNotFound)
	}

	position := gapPosition
	floor := gapPosition - positionStride
	for _, event := range events {
		exists, err := eventExists(conn, roomID, event.EventID)
		if err != nil {
			return HistoryResult{}, err
		}
		if exists {
			// Backfill met timeline we already know. The span the
			// gap covered is fully recovered.
			result.GapClosed = true
			break
		}
		if position-1 <= floor {
			// Stride space under the gap is exhausted. Keep the gap
			// where it is; the next fill starts from the new token.
			break
		}

		position--
		event.RoomID = roomID
		event.Position = position
		if err := insertEvent(conn, &event); err != nil {
			return HistoryResult{}, err
		}
		result.Appended = append(result.Appended, event)

		if event.Type == ref.TypeCreate {
			result.StartReached = true
			break
		}
	}

	if len(events) == 0 || nextToken == "" {
		if !result.GapClosed {
			result.StartReached = true
		}
	}

	err = sqlitex.Execute(conn, `DELETE FROM gaps WHERE room_id = ? AND position = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), gapPosition}})
	if err != nil {
		return HistoryResult{}, fmt.Errorf("store: removing gap for %s: %w", roomID, err)
	}

	switch {
	case result.StartReached:
		err = sqlitex.Execute(conn, `UPDATE rooms SET start_reached = 1 WHERE room_id = ?`,
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
		if err != nil {
			return HistoryResult{}, fmt.Errorf("store: marking start of %s: %w", roomID, err)
		}
	case result.GapClosed:
		// Nothing left to fetch for this span.
	default:
		err = sqlitex.Execute(conn, `
			INSERT INTO gaps (room_id, position, prev_batch) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{roomID.String(), position, nextToken}})
		if err != nil {
			return HistoryResult{}, fmt.Errorf("store: advancing gap for %s: %w", roomID, err)
		}
	}

	return result, nil
}

func ensureRoom(conn *sqlite.Conn, roomID ref.RoomID) error {
	err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO rooms (room_id) VALUES (?)`,
		&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	if err != nil {
		return fmt.Errorf("store: ensuring room %s: %w", roomID, err)
	}
	return nil
}

func maxPosition(conn *sqlite.Conn, roomID ref.RoomID) (int64, error) {
	var head int64
	err := sqlitex.Execute(conn, `
		SELECT COALESCE(MAX(position), 0) FROM events WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				head = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: reading head position for %s: %w", roomID, err)
	}
	return head, nil
}

func eventExists(conn *sqlite.Conn, roomID ref.RoomID, eventID ref.EventID) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn, `
		SELECT 1 FROM events WHERE room_id = ? AND event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), eventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: checking %s: %w", eventID, err)
	}
	return exists, nil
}

func startReached(conn *sqlite.Conn, roomID ref.RoomID) (bool, error) {
	reached := false
	err := sqlitex.Execute(conn, `SELECT start_reached FROM rooms WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				reached = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: reading start flag for %s: %w", roomID, err)
	}
	return reached, nil
}

func insertEvent(conn *sqlite.Conn, event *Event) error {
	var stateKey any
	if event.StateKey != nil {
		stateKey = *event.StateKey
	}
	var ciphertext any
	if len(event.Ciphertext) > 0 {
		ciphertext = []byte(event.Ciphertext)
	}
	var sessionID any
	if !event.SessionID.IsZero() {
		sessionID = event.SessionID.String()
	}
	var decryptionError any
	if event.DecryptionError != "" {
		decryptionError = event.DecryptionError
	}

	err := sqlitex.Execute(conn, `
		INSERT INTO events
			(room_id, event_id, type, sender, state_key, content,
			 ciphertext, session_id, decryption_error, origin_ts, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			event.RoomID.String(),
			event.EventID.String(),
			event.Type.String(),
			event.Sender.String(),
			stateKey,
			[]byte(event.Content),
			ciphertext,
			sessionID,
			decryptionError,
			event.OriginServerTS,
			event.Position,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting %s: %w", event.EventID, err)
	}
	return nil
}
