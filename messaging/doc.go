// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the HTTP transport for the Matrix
// client-server API.
//
// Client holds the homeserver URL and HTTP connection pool; Session
// wraps a Client with an access token and exposes the endpoints the
// engine uses: /sync long-polling, /messages pagination, event and
// state sends, and the device key endpoints backing end-to-end
// encryption.
//
// This package does no interpretation. Sync responses come back as
// raw deltas; the sync engine decides what they mean. Server errors
// surface as *MatrixError values that callers inspect with
// errors.As.
package messaging
