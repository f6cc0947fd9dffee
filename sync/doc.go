// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sync drives the incremental synchronization loop: one
// long-poll request anchored at the persisted cursor, then one
// application pass over the returned delta.
//
// Application order within a cycle is fixed. To-device messages go
// first, because a delta routinely carries the room key and the
// events sealed under it together; importing keys before touching
// rooms lets those events decrypt on first sight. Rooms then apply
// concurrently up to a configured width (no mutable state is shared
// across rooms), serially within each room. The cursor is persisted
// last, only after every room section landed, so a crash mid-cycle
// replays the delta and the store's idempotent appends absorb the
// replay.
//
// Only one cycle may be in flight; a second Once call returns
// ErrSyncInProgress rather than racing the first over ratchet state
// and room state. Transport failures mean no progress this cycle and
// leave the engine Idle; storage failures mark it Faulted with the
// cursor unadvanced, and the next cycle retries the same delta.
package sync
