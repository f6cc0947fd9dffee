// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// BLAKE3 key derivation contexts for the group ratchet. The advance
// context steps the chain one position; the message context derives
// the per-position AEAD key.
const (
	groupAdvanceContext = "loom.group.v1 ratchet advance"
	groupMessageContext = "loom.group.v1 message key"
	groupIDContext      = "loom.group.v1 session id"
)

// GroupEnvelope is the content of an encrypted room event.
type GroupEnvelope struct {
	Algorithm  string         `json:"algorithm"`
	SenderKey  ref.Curve25519 `json:"sender_key"`
	SessionID  ref.SessionID  `json:"session_id"`
	Index      uint32         `json:"message_index"`
	Ciphertext string         `json:"ciphertext"`
}

// RoomKey is the content of a key-share message delivered over pair
// sessions. It carries everything a receiving device needs to build
// an inbound group session.
type RoomKey struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     ref.RoomID    `json:"room_id"`
	SessionID  ref.SessionID `json:"session_id"`
	SessionKey string        `json:"session_key"`
	FirstIndex uint32        `json:"first_known_index"`
}

// RotationReason explains why an outbound group session was retired.
type RotationReason string

const (
	RotateMembershipChange RotationReason = "membership-change"
	RotateMessageCount     RotationReason = "message-count"
	RotateAge              RotationReason = "age"
	RotateExplicit         RotationReason = "explicit"
)

// roomPayload is the plaintext inside a group envelope. The room ID
// is bound inside the ciphertext so a ciphertext cannot be replayed
// into a different room.
type roomPayload struct {
	Type    ref.EventType   `json:"type"`
	RoomID  ref.RoomID      `json:"room_id"`
	Content json.RawMessage `json:"content"`
}

// outboundPickle is the persisted state of a room's outbound group
// session.
type outboundPickle struct {
	SessionID string `cbor:"session_id"`
	// InitialChain is the chain key at index zero, retained so the
	// session can be shared with devices joining mid-session.
	InitialChain []byte `cbor:"initial_chain"`
	Chain        []byte `cbor:"chain"`
	Index        uint32 `cbor:"index"`
	CreatedMS    int64  `cbor:"created_ms"`
}

// inboundPickle is the persisted state of one inbound group session.
// The chain is held at FirstIndex; message keys for later indexes
// are derived forward on demand (the ratchet only moves one way, so
// holding the earliest known position loses nothing).
type inboundPickle struct {
	SessionID  string        `cbor:"session_id"`
	SenderKey  string        `cbor:"sender_key"`
	BaseChain  []byte        `cbor:"base_chain"`
	FirstIndex uint32        `cbor:"first_index"`
	Seen       []seenMessage `cbor:"seen,omitempty"`
}

// seenMessage records one consumed message index and the event that
// carried it, sorted by index. Keying the replay record by event ID
// lets a replayed sync delta decrypt the same event again after a
// fault, while the same index under a different event ID stays a
// replay.
type seenMessage struct {
	Index   uint32 `cbor:"index"`
	EventID string `cbor:"event_id"`
}

func compareSeen(record seenMessage, index uint32) int {
	return cmp.Compare(record.Index, index)
}

// EncryptRoomEvent encrypts an event for a room under its outbound
// group session, creating or rotating the session as thresholds
// require. The returned RoomKey is non-nil when a fresh session was
// created; the caller must share it with the room's devices before
// sending the ciphertext.
func (v *Vault) EncryptRoomEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (*GroupEnvelope, *RoomKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: begin room encrypt: %w", err)
	}
	defer endTransaction(&err)

	session, err := loadOutbound(conn, roomID)
	if err != nil {
		return nil, nil, err
	}

	var share *RoomKey
	if session != nil && v.rotationDue(session) {
		v.logger.Info("rotating outbound group session",
			"room_id", roomID.String(),
			"session_id", session.SessionID,
			"reason", string(v.rotationReason(session)))
		session = nil
	}
	if session == nil {
		session, share, err = v.createOutbound(conn, roomID)
		if err != nil {
			return nil, nil, err
		}
	}

	plaintext, err := json.Marshal(roomPayload{Type: eventType, RoomID: roomID, Content: content})
	if err != nil {
		return nil, nil, fmt.Errorf("vault: encoding room payload: %w", err)
	}

	sessionID, err := ref.ParseSessionID(session.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: stored session ID: %w", err)
	}

	index := session.Index
	messageKey := groupMessageKey(session.Chain)
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: creating group cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, groupNonce(index), plaintext,
		groupAAD(roomID, sessionID, index))

	session.Chain = groupAdvance(session.Chain)
	session.Index++
	if err := saveOutbound(conn, roomID, session); err != nil {
		return nil, nil, err
	}

	envelope := &GroupEnvelope{
		Algorithm:  AlgorithmGroup,
		SenderKey:  v.identityPub,
		SessionID:  sessionID,
		Index:      index,
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	return envelope, share, nil
}

// DecryptRoomEvent decrypts a group envelope for a room. Returns the
// inner event type and content. The consumed message index is
// recorded against eventID before the plaintext is returned: the
// same event decrypts again (a sync delta replayed after a fault),
// while the same index under a different event ID returns
// ErrReplayDetected with the ratchet unchanged.
func (v *Vault) DecryptRoomEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, envelope *GroupEnvelope) (ref.EventType, json.RawMessage, error) {
	if envelope.Algorithm != AlgorithmGroup {
		return "", nil, fmt.Errorf("vault: algorithm %q: %w", envelope.Algorithm, ErrDecryptFailed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return "", nil, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", nil, fmt.Errorf("vault: begin room decrypt: %w", err)
	}
	defer endTransaction(&err)

	session, err := loadInbound(conn, roomID, envelope.SenderKey, envelope.SessionID)
	if err != nil {
		return "", nil, err
	}
	if session == nil {
		return "", nil, fmt.Errorf("vault: no inbound session %s in %s: %w",
			envelope.SessionID, roomID, ErrUnknownSession)
	}

	if envelope.Index < session.FirstIndex {
		// The chain cannot run backward; indexes before our first
		// known position are unreachable with this session copy.
		return "", nil, fmt.Errorf("vault: index %d precedes session start %d: %w",
			envelope.Index, session.FirstIndex, ErrUnknownSession)
	}
	at, consumed := slices.BinarySearchFunc(session.Seen, envelope.Index, compareSeen)
	if consumed && session.Seen[at].EventID != eventID.String() {
		return "", nil, fmt.Errorf("vault: index %d of session %s already consumed by %s: %w",
			envelope.Index, envelope.SessionID, session.Seen[at].EventID, ErrReplayDetected)
	}

	chain := session.BaseChain
	for step := session.FirstIndex; step < envelope.Index; step++ {
		chain = groupAdvance(chain)
	}
	messageKey := groupMessageKey(chain)

	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return "", nil, fmt.Errorf("vault: ciphertext encoding: %w", ErrDecryptFailed)
	}
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return "", nil, fmt.Errorf("vault: creating group cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, groupNonce(envelope.Index), ciphertext,
		groupAAD(roomID, envelope.SessionID, envelope.Index))
	if err != nil {
		return "", nil, fmt.Errorf("vault: session %s in %s: %w", envelope.SessionID, roomID, ErrDecryptFailed)
	}

	var payload roomPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", nil, fmt.Errorf("vault: decoding room payload: %w", ErrDecryptFailed)
	}
	if payload.RoomID != roomID {
		// Ciphertext lifted from another room. The AAD already
		// rejects this; the inner check guards against a sender
		// binding mismatched values on purpose.
		return "", nil, fmt.Errorf("vault: payload room %s does not match %s: %w",
			payload.RoomID, roomID, ErrDecryptFailed)
	}

	if !consumed {
		session.Seen = slices.Insert(session.Seen, at, seenMessage{
			Index:   envelope.Index,
			EventID: eventID.String(),
		})
		if err := saveInbound(conn, roomID, session); err != nil {
			return "", nil, err
		}
	}
	return payload.Type, payload.Content, nil
}

// RotateOutbound retires a room's outbound group session. The next
// encrypt creates a fresh session and reports it for sharing.
// Retired sessions are deleted, never reused.
func (v *Vault) RotateOutbound(ctx context.Context, roomID ref.RoomID, reason RotationReason) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer v.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM vault_outbound_group WHERE room_id = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	if err != nil {
		return fmt.Errorf("vault: retiring outbound session for %s: %w", roomID, err)
	}
	if conn.Changes() > 0 {
		v.logger.Info("retired outbound group session",
			"room_id", roomID.String(), "reason", string(reason))
	}
	return nil
}

// ImportInboundSession adds an inbound group session received via a
// key share or backup import. Strictly additive: if a session with
// the same identity already exists the import is skipped, because
// replacing it would desynchronize the ratchet position and the
// replay record. Returns whether the session was added.
func (v *Vault) ImportInboundSession(ctx context.Context, roomID ref.RoomID, senderKey ref.Curve25519, key RoomKey) (bool, error) {
	if key.Algorithm != "" && key.Algorithm != AlgorithmGroup {
		return false, fmt.Errorf("vault: key share algorithm %q: %w", key.Algorithm, ErrKeyExchangeFailed)
	}
	chain, err := base64.RawStdEncoding.DecodeString(key.SessionKey)
	if err != nil || len(chain) != 32 {
		return false, fmt.Errorf("vault: session key for %s malformed: %w", key.SessionID, ErrKeyExchangeFailed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("vault: begin session import: %w", err)
	}
	defer endTransaction(&err)

	existing, err := loadInbound(conn, roomID, senderKey, key.SessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	session := &inboundPickle{
		SessionID:  key.SessionID.String(),
		SenderKey:  senderKey.String(),
		BaseChain:  chain,
		FirstIndex: key.FirstIndex,
	}
	if err := saveInbound(conn, roomID, session); err != nil {
		return false, err
	}
	v.logger.Info("imported inbound group session",
		"room_id", roomID.String(),
		"session_id", key.SessionID.String(),
		"first_index", key.FirstIndex)
	return true, nil
}

// HasInboundSession reports whether the vault holds an inbound group
// session with the given identity.
func (v *Vault) HasInboundSession(ctx context.Context, roomID ref.RoomID, senderKey ref.Curve25519, sessionID ref.SessionID) (bool, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer v.pool.Put(conn)

	session, err := loadInbound(conn, roomID, senderKey, sessionID)
	if err != nil {
		return false, err
	}
	return session != nil, nil
}

// createOutbound builds a fresh outbound session and the matching
// self-inbound session, so the device can decrypt its own messages
// after a restart the same way any receiver would.
func (v *Vault) createOutbound(conn *sqlite.Conn, roomID ref.RoomID) (*outboundPickle, *RoomKey, error) {
	chain := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, chain); err != nil {
		return nil, nil, fmt.Errorf("vault: generating group session key: %w", err)
	}

	idMaterial := make([]byte, 0, 64)
	idMaterial = append(idMaterial, chain...)
	idMaterial = append(idMaterial, v.identityPub.Bytes()...)
	rawID := make([]byte, 32)
	blake3.DeriveKey(groupIDContext, idMaterial, rawID)
	sessionID := base64.RawStdEncoding.EncodeToString(rawID)

	session := &outboundPickle{
		SessionID:    sessionID,
		InitialChain: chain,
		Chain:        chain,
		CreatedMS:    v.clock.Now().UnixMilli(),
	}
	if err := saveOutbound(conn, roomID, session); err != nil {
		return nil, nil, err
	}

	parsedID, err := ref.ParseSessionID(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: derived session ID: %w", err)
	}
	share := &RoomKey{
		Algorithm:  AlgorithmGroup,
		RoomID:     roomID,
		SessionID:  parsedID,
		SessionKey: base64.RawStdEncoding.EncodeToString(chain),
		FirstIndex: 0,
	}

	selfInbound := &inboundPickle{
		SessionID: sessionID,
		SenderKey: v.identityPub.String(),
		BaseChain: chain,
	}
	if err := saveInbound(conn, roomID, selfInbound); err != nil {
		return nil, nil, err
	}

	v.logger.Info("created outbound group session",
		"room_id", roomID.String(), "session_id", sessionID)
	return session, share, nil
}

func (v *Vault) rotationDue(session *outboundPickle) bool {
	return v.rotationReason(session) != ""
}

func (v *Vault) rotationReason(session *outboundPickle) RotationReason {
	if int(session.Index) >= v.rotateAfterMessages {
		return RotateMessageCount
	}
	age := v.clock.Now().UnixMilli() - session.CreatedMS
	if age >= v.rotateAfterAge.Milliseconds() {
		return RotateAge
	}
	return ""
}

// groupAdvance steps the chain key one position via keyed BLAKE3.
func groupAdvance(chain []byte) []byte {
	next := make([]byte, 32)
	blake3.DeriveKey(groupAdvanceContext, chain, next)
	return next
}

// groupMessageKey derives the AEAD key for the chain's current
// position.
func groupMessageKey(chain []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(groupMessageContext, chain, key)
	return key
}

func groupNonce(index uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, "loomgrup")
	binary.BigEndian.PutUint32(nonce[8:], index)
	return nonce
}

func groupAAD(roomID ref.RoomID, sessionID ref.SessionID, index uint32) []byte {
	aad := make([]byte, 0, len(roomID.String())+1+len(sessionID.String())+4)
	aad = append(aad, roomID.String()...)
	aad = append(aad, '|')
	aad = append(aad, sessionID.String()...)
	aad = binary.BigEndian.AppendUint32(aad, index)
	return aad
}

func loadOutbound(conn *sqlite.Conn, roomID ref.RoomID) (*outboundPickle, error) {
	var state []byte
	err := sqlitex.Execute(conn, `SELECT state FROM vault_outbound_group WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, state)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: reading outbound session for %s: %w", roomID, err)
	}
	if state == nil {
		return nil, nil
	}

	var session outboundPickle
	if err := codec.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("vault: decoding outbound session: %w", err)
	}
	return &session, nil
}

func saveOutbound(conn *sqlite.Conn, roomID ref.RoomID, session *outboundPickle) error {
	state, err := codec.Marshal(session)
	if err != nil {
		return fmt.Errorf("vault: encoding outbound session: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO vault_outbound_group (room_id, state, created_ts) VALUES (?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET state = excluded.state`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), state, session.CreatedMS}})
	if err != nil {
		return fmt.Errorf("vault: writing outbound session for %s: %w", roomID, err)
	}
	return nil
}

func loadInbound(conn *sqlite.Conn, roomID ref.RoomID, senderKey ref.Curve25519, sessionID ref.SessionID) (*inboundPickle, error) {
	var state []byte
	err := sqlitex.Execute(conn, `
		SELECT state FROM vault_inbound_group
		WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), senderKey.String(), sessionID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, state)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: reading inbound session %s: %w", sessionID, err)
	}
	if state == nil {
		return nil, nil
	}

	var session inboundPickle
	if err := codec.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("vault: decoding inbound session: %w", err)
	}
	return &session, nil
}

func saveInbound(conn *sqlite.Conn, roomID ref.RoomID, session *inboundPickle) error {
	state, err := codec.Marshal(session)
	if err != nil {
		return fmt.Errorf("vault: encoding inbound session: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO vault_inbound_group (room_id, sender_key, session_id, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
			state = excluded.state`,
		&sqlitex.ExecOptions{Args: []any{
			roomID.String(), session.SenderKey, session.SessionID, state,
		}})
	if err != nil {
		return fmt.Errorf("vault: writing inbound session %s: %w", session.SessionID, err)
	}
	return nil
}
