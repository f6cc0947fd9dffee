// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
)

// exportVersion tags the backup payload format.
const exportVersion = 1

// zstdEncoder and zstdDecoder are reused across calls. Both are safe
// for concurrent use in EncodeAll/DecodeAll mode.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vault: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vault: zstd decoder initialization failed: " + err.Error())
	}
}

// exportPayload is the CBOR body of a session backup: every inbound
// group session's chain at its first known index. Replay records are
// deliberately not exported; they protect this device's view of the
// stream, and a restoring device builds its own.
type exportPayload struct {
	Version  int               `cbor:"version"`
	Sessions []exportedSession `cbor:"sessions"`
}

type exportedSession struct {
	RoomID     string `cbor:"room_id"`
	SenderKey  string `cbor:"sender_key"`
	SessionID  string `cbor:"session_id"`
	SessionKey []byte `cbor:"session_key"`
	FirstIndex uint32 `cbor:"first_index"`
}

// ImportResult summarizes a backup import.
type ImportResult struct {
	// Imported counts sessions added to the vault.
	Imported int
	// Skipped counts sessions already held, left untouched.
	Skipped int
	// SessionIDs lists the imported sessions, so stored events that
	// failed decryption under them can be retried.
	SessionIDs []ref.SessionID
}

// ExportSessions serializes every inbound group session into a
// passphrase-protected backup: CBOR, zstd-compressed, sealed with an
// age scrypt recipient. The passphrase is borrowed and not closed.
func (v *Vault) ExportSessions(ctx context.Context, passphrase *secret.Buffer) ([]byte, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	payload := exportPayload{Version: exportVersion}
	err = sqlitex.Execute(conn, `
		SELECT room_id, state FROM vault_inbound_group ORDER BY room_id, sender_key, session_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, state)

				var session inboundPickle
				if err := codec.Unmarshal(state, &session); err != nil {
					return fmt.Errorf("vault: decoding inbound session: %w", err)
				}
				payload.Sessions = append(payload.Sessions, exportedSession{
					RoomID:     stmt.ColumnText(0),
					SenderKey:  session.SenderKey,
					SessionID:  session.SessionID,
					SessionKey: session.BaseChain,
					FirstIndex: session.FirstIndex,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: collecting sessions for export: %w", err)
	}

	plaintext, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: encoding export payload: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(plaintext, nil)
	secret.Wipe(plaintext)

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("vault: creating scrypt recipient: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, fmt.Errorf("vault: creating backup encryptor: %w", err)
	}
	if _, err := writer.Write(compressed); err != nil {
		return nil, fmt.Errorf("vault: writing backup: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("vault: finalizing backup: %w", err)
	}

	v.logger.Info("exported group sessions", "count", len(payload.Sessions))
	return sealed.Bytes(), nil
}

// ImportSessions restores sessions from a backup produced by
// ExportSessions. Additive: sessions the vault already holds are
// skipped. The passphrase is borrowed and not closed.
func (v *Vault) ImportSessions(ctx context.Context, backup []byte, passphrase *secret.Buffer) (ImportResult, error) {
	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return ImportResult{}, fmt.Errorf("vault: creating scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(backup), identity)
	if err != nil {
		return ImportResult{}, fmt.Errorf("vault: opening backup: %w", ErrBadPassphrase)
	}
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return ImportResult{}, fmt.Errorf("vault: reading backup: %w", ErrBadPassphrase)
	}

	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return ImportResult{}, fmt.Errorf("vault: decompressing backup: %w", err)
	}
	defer secret.Wipe(plaintext)

	var payload exportPayload
	if err := codec.Unmarshal(plaintext, &payload); err != nil {
		return ImportResult{}, fmt.Errorf("vault: decoding backup payload: %w", err)
	}
	if payload.Version != exportVersion {
		return ImportResult{}, fmt.Errorf("vault: backup version %d not supported", payload.Version)
	}

	var result ImportResult
	for _, exported := range payload.Sessions {
		roomID, err := ref.ParseRoomID(exported.RoomID)
		if err != nil {
			return result, fmt.Errorf("vault: backup room ID: %w", err)
		}
		senderKey, err := ref.ParseCurve25519(exported.SenderKey)
		if err != nil {
			return result, fmt.Errorf("vault: backup sender key: %w", err)
		}
		sessionID, err := ref.ParseSessionID(exported.SessionID)
		if err != nil {
			return result, fmt.Errorf("vault: backup session ID: %w", err)
		}

		imported, err := v.ImportInboundSession(ctx, roomID, senderKey, RoomKey{
			Algorithm:  AlgorithmGroup,
			RoomID:     roomID,
			SessionID:  sessionID,
			SessionKey: base64.RawStdEncoding.EncodeToString(exported.SessionKey),
			FirstIndex: exported.FirstIndex,
		})
		if err != nil {
			return result, err
		}
		if imported {
			result.Imported++
			result.SessionIDs = append(result.SessionIDs, sessionID)
		} else {
			result.Skipped++
		}
	}

	v.logger.Info("imported group sessions",
		"imported", result.Imported, "skipped", result.Skipped)
	return result, nil
}
