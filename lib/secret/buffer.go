// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides locked memory buffers for key material.
//
// The session vault keeps long-lived private keys (account identity
// keys, ratchet chain keys, export passphrases) in Buffer rather
// than in plain byte slices. A Buffer's backing memory is an
// anonymous mmap region outside the Go heap: mlock'd so it cannot be
// swapped to disk, marked MADV_DONTDUMP so it is excluded from core
// dumps, and zeroed before being unmapped on Close.
//
// The garbage collector never sees mmap'd memory, so it cannot
// relocate or duplicate the secret the way it can with ordinary heap
// allocations.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds key material in swap-locked, dump-excluded memory.
//
// A Buffer must not be copied. Close releases and zeroes the backing
// memory; any access after Close panics.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	size   int
	closed bool
}

// New allocates a zeroed Buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{region: region, size: size}, nil
}

// NewFromBytes copies source into a new Buffer and zeroes source in
// place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	Wipe(source)
	return buffer, nil
}

// Bytes returns the secret. The slice aliases the locked region
// directly; do not retain it past the Buffer's lifetime. Panics if
// the Buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region[:b.size]
}

// String returns the secret as a string. The string is a heap copy
// (Go strings are immutable), so use this only at API boundaries
// that insist on strings. Panics if the Buffer has been closed.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.region[:b.size])
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Equal reports whether the Buffer's contents equal other, comparing
// in constant time. Panics if the Buffer has been closed.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return subtle.ConstantTimeCompare(b.region[:b.size], other) == 1
}

// Close zeroes the contents and unmaps the region. Idempotent. Any
// access after Close panics.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Wipe(b.region)

	// Unmapping failures are not actionable; the region is released
	// at process exit regardless. Report the first one anyway.
	var firstError error
	if err := unix.Munlock(b.region); err != nil {
		firstError = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap: %w", err)
	}

	b.region = nil
	return firstError
}

// Wipe zeroes a byte slice in place. Used for transient copies of
// key material that live on the Go heap (derived message keys,
// decrypted export payloads) before they go out of scope.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
