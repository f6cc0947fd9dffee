// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers.
//
// Response helpers bound all body reads at MaxResponseSize so a
// misbehaving homeserver cannot exhaust memory. They are for JSON
// API responses; large media downloads should stream with io.Copy
// instead.
package netutil

import (
	"io"
)

// MaxResponseSize bounds JSON API response reads: 256 MB. A full
// initial sync of a large account is tens of megabytes; the limit is
// generous enough to never interfere with a legitimate response.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize.
// Use instead of io.ReadAll on HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
