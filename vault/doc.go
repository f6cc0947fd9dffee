// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault holds all of the client's cryptographic material:
// the device identity keys, the published one-time keys, the pair
// ratchet sessions used for direct device-to-device encryption, and
// the group sessions that encrypt room messages.
//
// The vault exclusively owns ratchet state. Sessions are never
// handed out by reference; every encrypt and decrypt goes through a
// vault method that advances the ratchet and persists the new state
// before the result is returned to the caller. A crash after the
// persist replays at worst a ciphertext the peer already has, never
// a reused message key.
//
// Ratchet advances are serialized under a single vault mutex.
// Advancing is not commutative, so two concurrent operations on the
// same session must not interleave; serializing all sessions under
// one lock is coarser than strictly required but the operations are
// microseconds against the network round trips that surround them.
//
// Persistence shares the event store's SQLite database. Session
// state is pickled as deterministic CBOR blobs keyed by session
// identity, written inside immediate transactions.
package vault
