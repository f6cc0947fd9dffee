// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the local event store: the durable, ordered
// record of everything synced from the homeserver.
//
// Events live in SQLite, one row per event, keyed by (room, event
// ID) so appends are idempotent: replaying a sync delta after a
// crash re-inserts nothing and never reprocesses an event. Each room
// carries its own total order through the position column. Live sync
// appends allocate ascending positions in large strides; backward
// pagination fills the space below a gap with descending positions,
// so a range scan in position order always reads the room in
// timeline order.
//
// Gaps are first-class rows. When the server truncates a sync
// timeline (limited: true) the store records a gap carrying the
// server's pagination token just below the first event of the new
// batch. The timeline package later drains the gap backward and the
// store splices fetched history into the reserved position space.
//
// Room state is resolved at append time: each accepted state event
// bumps the room's state generation and overwrites the (type, state
// key) slot, so the room_state table always holds the latest
// snapshot by arrival order. The encryption flag is a latch; once a
// room turns encrypted it never turns back, and later state events
// claiming otherwise are recorded but do not clear the flag.
package store
