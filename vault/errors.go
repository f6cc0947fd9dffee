// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import "errors"

var (
	// ErrUnknownSession is returned when a ciphertext references a
	// session the vault does not hold. The event is kept encrypted;
	// a later key share or import can resolve it.
	ErrUnknownSession = errors.New("vault: unknown session")

	// ErrReplayDetected is returned when a message index at or below
	// an already-consumed chain position is presented. The ratchet is
	// not advanced and the ciphertext is not decrypted.
	ErrReplayDetected = errors.New("vault: message replay detected")

	// ErrDecryptFailed is returned when authentication of a
	// ciphertext fails under the session's derived message key.
	ErrDecryptFailed = errors.New("vault: decryption failed")

	// ErrKeyExchangeFailed is returned when a pair session cannot be
	// established because the peer's keys are missing or invalid.
	ErrKeyExchangeFailed = errors.New("vault: key exchange failed")

	// ErrBadPassphrase is returned when a session backup cannot be
	// opened with the supplied passphrase.
	ErrBadPassphrase = errors.New("vault: wrong passphrase")
)
