// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for protocol entities: rooms, events, users, devices, and
// encryption sessions.
//
// All constructors validate their inputs and return errors for
// malformed identifiers. Once constructed, a ref is immutable; the
// zero value of every type is invalid and detectable with IsZero.
//
// Identifiers come from the homeserver (room creation, /sync
// responses, key queries) and are parsed into these types at the
// boundary. Client code never constructs identifier strings by hand.
//
// JSON and CBOR marshaling use the canonical string form via
// encoding.TextMarshaler.
package ref
