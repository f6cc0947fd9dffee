// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/sqlitepool"
)

// ErrNotFound is returned when a requested event, gap, or state
// entry does not exist.
var ErrNotFound = errors.New("store: not found")

// positionStride is the spacing between consecutive live positions.
// The space below each live event is reserved for backward
// pagination: a gap fill assigns descending positions inside the
// stride, so four billion historical events fit under every live
// one before positions would collide.
const positionStride = int64(1) << 32

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id       TEXT PRIMARY KEY,
	membership    TEXT NOT NULL DEFAULT 'join',
	encrypted     INTEGER NOT NULL DEFAULT 0,
	start_reached INTEGER NOT NULL DEFAULT 0,
	generation    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	room_id          TEXT NOT NULL,
	event_id         TEXT NOT NULL,
	type             TEXT NOT NULL,
	sender           TEXT NOT NULL,
	state_key        TEXT,
	content          BLOB NOT NULL,
	ciphertext       BLOB,
	session_id       TEXT,
	decryption_error TEXT,
	origin_ts        INTEGER NOT NULL,
	position         INTEGER NOT NULL,
	PRIMARY KEY (room_id, event_id)
) WITHOUT ROWID;

CREATE UNIQUE INDEX IF NOT EXISTS events_by_position
	ON events (room_id, position);
CREATE INDEX IF NOT EXISTS events_pending_by_session
	ON events (session_id) WHERE decryption_error IS NOT NULL;

CREATE TABLE IF NOT EXISTS room_state (
	room_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	state_key  TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	generation INTEGER NOT NULL,
	PRIMARY KEY (room_id, type, state_key)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS gaps (
	room_id    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	prev_batch TEXT NOT NULL,
	PRIMARY KEY (room_id, position)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS sync_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	next_batch TEXT NOT NULL
);
`

// Config holds parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// PoolSize is the connection pool size. Zero uses the pool's
	// default.
	PoolSize int
	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
	// OnConnect, if set, runs on each connection after the store's
	// own schema. The vault uses this to install its tables in the
	// shared database.
	OnConnect func(conn *sqlite.Conn) error
}

// Store is the local event store. Safe for concurrent use; writers
// to different rooms proceed in parallel up to SQLite's single-writer
// lock, which the pool's busy timeout absorbs.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
				return fmt.Errorf("store: creating schema: %w", err)
			}
			if cfg.OnConnect != nil {
				return cfg.OnConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Pool exposes the shared connection pool so the vault can run its
// session writes in the same database.
func (s *Store) Pool() *sqlitepool.Pool {
	return s.pool
}

// SyncToken returns the persisted sync cursor, or "" before the
// first completed sync.
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var token string
	err = sqlitex.Execute(conn, `SELECT next_batch FROM sync_state WHERE id = 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			token = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: reading sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken persists the sync cursor. Called only after every
// room section of the delta has been applied, so a crash between
// apply and commit replays the delta instead of dropping it.
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sync_state (id, next_batch) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET next_batch = excluded.next_batch`,
		&sqlitex.ExecOptions{Args: []any{token}})
	if err != nil {
		return fmt.Errorf("store: writing sync token: %w", err)
	}
	return nil
}

// SetMembership records our membership in a room ("join", "invite",
// "leave"). Creates the room row if needed.
func (s *Store) SetMembership(ctx context.Context, roomID ref.RoomID, membership string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO rooms (room_id, membership) VALUES (?, ?)
		ON CONFLICT (room_id) DO UPDATE SET membership = excluded.membership`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), membership}})
	if err != nil {
		return fmt.Errorf("store: setting membership for %s: %w", roomID, err)
	}
	return nil
}

// Membership returns our membership in a room. ErrNotFound if the
// room is unknown.
func (s *Store) Membership(ctx context.Context, roomID ref.RoomID) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	membership := ""
	err = sqlitex.Execute(conn, `SELECT membership FROM rooms WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			membership = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: reading membership for %s: %w", roomID, err)
	}
	if membership == "" {
		return "", ErrNotFound
	}
	return membership, nil
}

// RoomInfo summarizes one known room.
type RoomInfo struct {
	RoomID       ref.RoomID
	Membership   string
	Encrypted    bool
	StartReached bool
}

// Rooms lists every known room.
func (s *Store) Rooms(ctx context.Context) ([]RoomInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rooms []RoomInfo
	err = sqlitex.Execute(conn, `
		SELECT room_id, membership, encrypted, start_reached
		FROM rooms ORDER BY room_id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			rooms = append(rooms, RoomInfo{
				RoomID:       roomID,
				Membership:   stmt.ColumnText(1),
				Encrypted:    stmt.ColumnInt64(2) != 0,
				StartReached: stmt.ColumnInt64(3) != 0,
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing rooms: %w", err)
	}
	return rooms, nil
}
