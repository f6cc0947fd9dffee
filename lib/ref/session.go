// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"fmt"
)

// SessionID identifies a group encryption session within a room.
// Session IDs are derived from the session's initial ratchet state
// and are globally unique in practice; the store still keys inbound
// sessions by (room, sender key, session ID) because uniqueness is
// claimed by the sender, not verified.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string. Returns
// an error if the string is empty.
func ParseSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, fmt.Errorf("session ID is empty")
	}
	return SessionID{id: raw}, nil
}

// String returns the raw session ID string.
func (s SessionID) String() string { return s.id }

// IsZero reports whether the SessionID is the zero value (empty).
func (s SessionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return nil, nil
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *SessionID) UnmarshalText(data []byte) error {
	*s = SessionID{id: string(data)}
	return nil
}

// Curve25519 is an unpadded-base64 Curve25519 public key as carried
// in device key uploads and encrypted event envelopes. It identifies
// the sending device's identity key.
type Curve25519 struct {
	key string
}

// ParseCurve25519 validates and wraps an unpadded-base64 Curve25519
// public key. The decoded key must be exactly 32 bytes.
func ParseCurve25519(raw string) (Curve25519, error) {
	if raw == "" {
		return Curve25519{}, fmt.Errorf("curve25519 key is empty")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return Curve25519{}, fmt.Errorf("curve25519 key is not unpadded base64: %w", err)
	}
	if len(decoded) != 32 {
		return Curve25519{}, fmt.Errorf("curve25519 key decodes to %d bytes, want 32", len(decoded))
	}
	return Curve25519{key: raw}, nil
}

// Curve25519FromBytes encodes a raw 32-byte public key into its
// unpadded-base64 wire form.
func Curve25519FromBytes(raw []byte) (Curve25519, error) {
	if len(raw) != 32 {
		return Curve25519{}, fmt.Errorf("curve25519 key is %d bytes, want 32", len(raw))
	}
	return Curve25519{key: base64.RawStdEncoding.EncodeToString(raw)}, nil
}

// String returns the unpadded-base64 form of the key.
func (c Curve25519) String() string { return c.key }

// IsZero reports whether the key is the zero value (unset).
func (c Curve25519) IsZero() bool { return c.key == "" }

// Bytes returns the decoded 32-byte public key. Panics if the key is
// the zero value; callers check IsZero first.
func (c Curve25519) Bytes() []byte {
	if c.key == "" {
		panic("ref.Curve25519.Bytes on zero value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(c.key)
	if err != nil {
		panic(fmt.Sprintf("ref.Curve25519 holds invalid base64: %v", err))
	}
	return decoded
}

// MarshalText implements encoding.TextMarshaler.
func (c Curve25519) MarshalText() ([]byte, error) {
	if c.key == "" {
		return nil, nil
	}
	return []byte(c.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// key format. An empty input produces the zero value.
func (c *Curve25519) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = Curve25519{}
		return nil
	}
	parsed, err := ParseCurve25519(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
