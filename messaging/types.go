// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"time"

	"github.com/loom-im/loom/lib/ref"
)

// Event is a wire-format event as delivered in sync responses and
// pagination chunks. Content stays raw JSON; interpretation belongs
// to the store and the callbacks.
type Event struct {
	Type    ref.EventType `json:"type"`
	EventID ref.EventID   `json:"event_id,omitempty"`
	Sender  ref.UserID    `json:"sender,omitempty"`
	// StateKey is non-nil for state events. The pointer matters: an
	// absent state key means a timeline event, while "" is a valid
	// state key (room name, encryption policy).
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// AuthResponse is the shared response shape of /login and /register.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// WhoAmIResponse is the response of GET /account/whoami.
type WhoAmIResponse struct {
	UserID ref.UserID `json:"user_id"`
}

// ServerVersionsResponse is the response of GET /versions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// SendEventResponse is the response of event and state sends.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// SyncOptions controls a /sync request.
type SyncOptions struct {
	// Since is the token from the previous response's NextBatch.
	// Empty means initial sync.
	Since string
	// Timeout is the server-side long-poll duration. Zero returns
	// immediately with whatever is pending.
	Timeout time.Duration
	// Filter is an inline filter JSON string or server filter ID.
	Filter string
}

// SyncResponse is one delta from /sync. NextBatch is the cursor for
// the next request; it must be persisted only after the delta has
// been fully applied.
type SyncResponse struct {
	NextBatch   string       `json:"next_batch"`
	Rooms       RoomsSection `json:"rooms"`
	ToDevice    EventList    `json:"to_device"`
	DeviceLists DeviceLists  `json:"device_lists"`
	// DeviceOneTimeKeysCount reports unclaimed one-time keys per
	// algorithm, keyed by "signed_curve25519".
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// RoomsSection groups per-room deltas by our membership.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoomDelta  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoomDelta `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoomDelta    `json:"leave,omitempty"`
}

// JoinedRoomDelta is the sync section for a joined room.
type JoinedRoomDelta struct {
	// State holds state events that changed between the previous
	// sync and the start of Timeline.
	State EventList `json:"state"`
	// Timeline holds the most recent events, state and message
	// alike.
	Timeline TimelineSection `json:"timeline"`
}

// InvitedRoomDelta carries the stripped state of a pending invite.
type InvitedRoomDelta struct {
	InviteState EventList `json:"invite_state"`
}

// LeftRoomDelta is the final delta for a room we left or were
// removed from.
type LeftRoomDelta struct {
	State    EventList       `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// EventList wraps the {"events": [...]} shape used throughout sync
// responses.
type EventList struct {
	Events []Event `json:"events"`
}

// TimelineSection is the timeline portion of a room delta.
type TimelineSection struct {
	Events []Event `json:"events"`
	// Limited is set when the server truncated the timeline: events
	// exist between the previous sync and Events[0] that were not
	// delivered. PrevBatch is the pagination token to fetch them.
	Limited   bool   `json:"limited,omitempty"`
	PrevBatch string `json:"prev_batch,omitempty"`
}

// DeviceLists reports users whose device sets changed since the last
// sync. Changed users invalidate cached device keys.
type DeviceLists struct {
	Changed []ref.UserID `json:"changed,omitempty"`
	Left    []ref.UserID `json:"left,omitempty"`
}

// RoomMessagesOptions controls GET /rooms/{id}/messages.
type RoomMessagesOptions struct {
	// From is the pagination token to start from (a gap's prev_batch
	// or a previous response's End).
	From string
	// Direction is "b" (backward, default) or "f".
	Direction string
	// Limit caps the number of events returned.
	Limit int
}

// RoomMessagesResponse is one page of room history. End is absent
// when the server has reached the start of the room.
type RoomMessagesResponse struct {
	Chunk []Event `json:"chunk"`
	Start string  `json:"start"`
	End   string  `json:"end,omitempty"`
	State []Event `json:"state,omitempty"`
}

// DeviceKeys is one device's published identity, as uploaded and as
// returned by /keys/query.
type DeviceKeys struct {
	UserID     ref.UserID   `json:"user_id"`
	DeviceID   ref.DeviceID `json:"device_id"`
	Algorithms []string     `json:"algorithms"`
	// Keys maps "<algorithm>:<device_id>" to the unpadded-base64
	// public key.
	Keys map[string]string `json:"keys"`
	// Signatures maps user ID to "<algorithm>:<device_id>" to the
	// signature over the canonical JSON of this structure.
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// OneTimeKey is a signed one-time key as uploaded and claimed.
type OneTimeKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// UploadKeysRequest is the body of POST /keys/upload. Either section
// may be nil.
type UploadKeysRequest struct {
	DeviceKeys *DeviceKeys `json:"device_keys,omitempty"`
	// OneTimeKeys maps "signed_curve25519:<key_id>" to the key.
	OneTimeKeys map[string]OneTimeKey `json:"one_time_keys,omitempty"`
}

// QueryKeysResponse is the response of POST /keys/query.
type QueryKeysResponse struct {
	DeviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys `json:"device_keys"`
}

// ClaimKeysResponse is the response of POST /keys/claim. The inner
// map is keyed by "signed_curve25519:<key_id>".
type ClaimKeysResponse struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]OneTimeKey `json:"one_time_keys"`
}
