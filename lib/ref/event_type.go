// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a state or timeline event type. Standard
// protocol types use the m.* namespace (m.room.message,
// m.room.member, m.room.encryption); applications may define their
// own.
//
// EventType is a named string type, not a struct wrapper: event
// types are opaque identifiers that need no parsing or validation.
// The type exists purely for compile-time safety, preventing
// accidental use of a state key where an event type is expected (or
// vice versa).
type EventType string

// Event types the engine itself interprets. Everything else passes
// through to callbacks untouched.
const (
	// TypeMessage is a plain room message.
	TypeMessage EventType = "m.room.message"

	// TypeMember records a user's membership in a room. State key is
	// the member's user ID.
	TypeMember EventType = "m.room.member"

	// TypeEncryption enables end-to-end encryption for a room. Once
	// accepted, the room's encrypted routing is permanent.
	TypeEncryption EventType = "m.room.encryption"

	// TypeEncrypted carries a group-encrypted payload in place of the
	// real event content.
	TypeEncrypted EventType = "m.room.encrypted"

	// TypeRoomKey is the to-device event distributing an inbound
	// group session to other devices.
	TypeRoomKey EventType = "m.room_key"

	// TypeCreate is the first event of every room. Reaching it during
	// backward pagination marks the start of the room.
	TypeCreate EventType = "m.room.create"

	// TypeName sets a room's display name.
	TypeName EventType = "m.room.name"
)

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }
