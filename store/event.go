// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/messaging"
)

// Event is a stored event. Content is CBOR; wire JSON is transcoded
// at ingest so rows stay byte-comparable and compact.
type Event struct {
	RoomID  ref.RoomID
	EventID ref.EventID
	Type    ref.EventType
	Sender  ref.UserID

	// StateKey is non-nil for state events. "" is a valid state key.
	StateKey *string

	// Content is the event content as deterministic CBOR. For an
	// event that failed decryption this is the encrypted envelope;
	// DecryptionError says why.
	Content codec.RawMessage

	// Ciphertext preserves the original encrypted envelope for
	// events that arrived encrypted, even after decryption succeeds.
	Ciphertext codec.RawMessage

	// SessionID is the group session that an encrypted event was
	// sealed under. Zero for plaintext events.
	SessionID ref.SessionID

	// DecryptionError is the reason decryption failed, empty
	// otherwise. Events with a pending error are retried when their
	// session is imported later.
	DecryptionError string

	OriginServerTS int64

	// Position is the event's slot in the room's total order,
	// assigned by the store at append time.
	Position int64
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool { return e.StateKey != nil }

// ContentMap decodes the CBOR content into a generic map.
func (e *Event) ContentMap() (map[string]any, error) {
	var content map[string]any
	if err := codec.Unmarshal(e.Content, &content); err != nil {
		return nil, fmt.Errorf("store: decoding content of %s: %w", e.EventID, err)
	}
	return content, nil
}

// FromWire converts a wire-format event into a storable Event,
// transcoding the JSON content to CBOR. For encrypted events the
// session ID is lifted out of the envelope so pending-decryption
// rows can be found by session later.
func FromWire(roomID ref.RoomID, wire messaging.Event) (Event, error) {
	if wire.EventID.IsZero() {
		return Event{}, fmt.Errorf("store: event without ID in room %s", roomID)
	}

	var contentMap map[string]any
	if len(wire.Content) > 0 {
		if err := json.Unmarshal(wire.Content, &contentMap); err != nil {
			return Event{}, fmt.Errorf("store: decoding content of %s: %w", wire.EventID, err)
		}
	}
	content, err := codec.Marshal(contentMap)
	if err != nil {
		return Event{}, fmt.Errorf("store: encoding content of %s: %w", wire.EventID, err)
	}

	event := Event{
		RoomID:         roomID,
		EventID:        wire.EventID,
		Type:           wire.Type,
		Sender:         wire.Sender,
		StateKey:       wire.StateKey,
		Content:        content,
		OriginServerTS: wire.OriginServerTS,
	}

	if wire.Type == ref.TypeEncrypted {
		event.Ciphertext = content
		if raw, ok := contentMap["session_id"].(string); ok && raw != "" {
			sessionID, err := ref.ParseSessionID(raw)
			if err != nil {
				return Event{}, fmt.Errorf("store: event %s: %w", wire.EventID, err)
			}
			event.SessionID = sessionID
		}
	}

	return event, nil
}

// Gap marks a known hole in a room's timeline. Unknown history lies
// immediately below Position; PrevBatch is the server token that
// pages backward into it.
type Gap struct {
	RoomID    ref.RoomID
	Position  int64
	PrevBatch string
}
