// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// pairInfo is the HKDF info string for pair session key derivation.
// Changing it invalidates every established session.
var pairInfo = []byte(AlgorithmPair)

// Chain advance labels, olm-style: one byte into HMAC-SHA256 selects
// the message key or the next chain key.
var (
	labelMessageKey = []byte{0x01}
	labelChainKey   = []byte{0x02}
)

// PairEnvelope is the wire form of a device-to-device encrypted
// message. Until the responder has replied once, every message
// carries the prekey header (ephemeral key and one-time key ID) so
// the responder can derive the session from any of them.
type PairEnvelope struct {
	Algorithm    string         `json:"algorithm"`
	SenderKey    ref.Curve25519 `json:"sender_key"`
	EphemeralKey string         `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string         `json:"one_time_key_id,omitempty"`
	Counter      uint32         `json:"counter"`
	Ciphertext   string         `json:"ciphertext"`
}

// pairPickle is the persisted ratchet state of one pair session,
// stored as CBOR keyed by the peer's identity key.
type pairPickle struct {
	TheirKey     string `cbor:"their_key"`
	SendChain    []byte `cbor:"send_chain"`
	RecvChain    []byte `cbor:"recv_chain"`
	SendCounter  uint32 `cbor:"send_counter"`
	RecvCounter  uint32 `cbor:"recv_counter"`
	EphemeralPub []byte `cbor:"ephemeral_pub,omitempty"`
	OneTimeKeyID string `cbor:"one_time_key_id,omitempty"`
	// Established flips when the peer's first message arrives; the
	// prekey header is dropped from then on.
	Established bool `cbor:"established"`
}

// EnsurePairSession establishes an outbound ratchet session with a
// device, using a one-time key claimed from the server. Returns
// false without touching anything if a session already exists.
func (v *Vault) EnsurePairSession(ctx context.Context, theirIdentity ref.Curve25519, oneTimeKeyID, oneTimeKey string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("vault: begin session establishment: %w", err)
	}
	defer endTransaction(&err)

	existing, err := loadPairSession(conn, theirIdentity)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	theirOneTime, err := base64.RawStdEncoding.DecodeString(oneTimeKey)
	if err != nil || len(theirOneTime) != curve25519.PointSize {
		return false, fmt.Errorf("vault: one-time key for %s malformed: %w", theirIdentity, ErrKeyExchangeFailed)
	}

	ephemeralPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv); err != nil {
		return false, fmt.Errorf("vault: generating ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return false, fmt.Errorf("vault: deriving ephemeral public key: %w", err)
	}

	// Triple DH: identity-to-one-time, ephemeral-to-identity,
	// ephemeral-to-one-time. The responder computes the same three
	// shared points from the other side.
	dh1, err := curve25519.X25519(v.identityKey.Bytes(), theirOneTime)
	if err != nil {
		return false, fmt.Errorf("vault: key agreement with %s: %w", theirIdentity, ErrKeyExchangeFailed)
	}
	dh2, err := curve25519.X25519(ephemeralPriv, theirIdentity.Bytes())
	if err != nil {
		return false, fmt.Errorf("vault: key agreement with %s: %w", theirIdentity, ErrKeyExchangeFailed)
	}
	dh3, err := curve25519.X25519(ephemeralPriv, theirOneTime)
	if err != nil {
		return false, fmt.Errorf("vault: key agreement with %s: %w", theirIdentity, ErrKeyExchangeFailed)
	}

	chainA, chainB, err := derivePairChains(dh1, dh2, dh3)
	if err != nil {
		return false, err
	}

	session := &pairPickle{
		TheirKey:     theirIdentity.String(),
		SendChain:    chainA,
		RecvChain:    chainB,
		EphemeralPub: ephemeralPub,
		OneTimeKeyID: oneTimeKeyID,
	}
	if err := savePairSession(conn, session, v.clock.Now().UnixMilli()); err != nil {
		return false, err
	}
	v.logger.Info("established pair session", "peer_key", theirIdentity.String())
	return true, nil
}

// EncryptToDevice encrypts a payload to a device we hold a pair
// session with. The ratchet advance is persisted before the
// ciphertext is returned. ErrUnknownSession if no session exists;
// establish one first with EnsurePairSession.
func (v *Vault) EncryptToDevice(ctx context.Context, theirIdentity ref.Curve25519, payload any) (*PairEnvelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: encoding to-device payload: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("vault: begin to-device encrypt: %w", err)
	}
	defer endTransaction(&err)

	session, err := loadPairSession(conn, theirIdentity)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("vault: no pair session with %s: %w", theirIdentity, ErrUnknownSession)
	}

	counter := session.SendCounter
	messageKey := advanceChain(session.SendChain, labelMessageKey)
	session.SendChain = advanceChain(session.SendChain, labelChainKey)
	session.SendCounter++

	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, fmt.Errorf("vault: creating pair cipher: %w", err)
	}
	nonce := pairNonce(counter)
	ciphertext := aead.Seal(nil, nonce, plaintext, pairAAD(v.identityPub, counter))

	if err := savePairSession(conn, session, v.clock.Now().UnixMilli()); err != nil {
		return nil, err
	}

	envelope := &PairEnvelope{
		Algorithm:  AlgorithmPair,
		SenderKey:  v.identityPub,
		Counter:    counter,
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	if !session.Established {
		envelope.EphemeralKey = base64.RawStdEncoding.EncodeToString(session.EphemeralPub)
		envelope.OneTimeKeyID = session.OneTimeKeyID
	}
	return envelope, nil
}

// DecryptToDevice decrypts a device-to-device envelope, creating the
// responder session from the prekey header when the sender is new.
// Replay of an already-consumed counter returns ErrReplayDetected
// and leaves the ratchet untouched.
func (v *Vault) DecryptToDevice(ctx context.Context, envelope *PairEnvelope) ([]byte, error) {
	if envelope.Algorithm != AlgorithmPair {
		return nil, fmt.Errorf("vault: algorithm %q: %w", envelope.Algorithm, ErrDecryptFailed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("vault: begin to-device decrypt: %w", err)
	}
	defer endTransaction(&err)

	session, err := loadPairSession(conn, envelope.SenderKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session, err = v.establishResponderSession(conn, envelope)
		if err != nil {
			return nil, err
		}
	}

	if envelope.Counter < session.RecvCounter {
		return nil, fmt.Errorf("vault: counter %d already consumed (next %d): %w",
			envelope.Counter, session.RecvCounter, ErrReplayDetected)
	}

	// Advance a copy of the chain to the message's counter. The
	// stored state moves only after authentication succeeds, so a
	// forged counter cannot burn chain positions.
	chain := session.RecvChain
	for skipped := session.RecvCounter; skipped < envelope.Counter; skipped++ {
		chain = advanceChain(chain, labelChainKey)
	}
	messageKey := advanceChain(chain, labelMessageKey)

	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: ciphertext encoding: %w", ErrDecryptFailed)
	}
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, fmt.Errorf("vault: creating pair cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, pairNonce(envelope.Counter), ciphertext,
		pairAAD(envelope.SenderKey, envelope.Counter))
	if err != nil {
		return nil, fmt.Errorf("vault: to-device from %s: %w", envelope.SenderKey, ErrDecryptFailed)
	}

	session.RecvChain = advanceChain(chain, labelChainKey)
	session.RecvCounter = envelope.Counter + 1
	session.Established = true
	session.EphemeralPub = nil
	session.OneTimeKeyID = ""
	if err := savePairSession(conn, session, v.clock.Now().UnixMilli()); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// HasPairSession reports whether a ratchet session with the given
// device identity exists.
func (v *Vault) HasPairSession(ctx context.Context, theirIdentity ref.Curve25519) (bool, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer v.pool.Put(conn)

	session, err := loadPairSession(conn, theirIdentity)
	if err != nil {
		return false, err
	}
	return session != nil, nil
}

// establishResponderSession derives the session from an envelope's
// prekey header, consuming the referenced one-time key.
func (v *Vault) establishResponderSession(conn *sqlite.Conn, envelope *PairEnvelope) (*pairPickle, error) {
	if envelope.EphemeralKey == "" || envelope.OneTimeKeyID == "" {
		return nil, fmt.Errorf("vault: no session with %s and no prekey header: %w",
			envelope.SenderKey, ErrUnknownSession)
	}

	ephemeralPub, err := base64.RawStdEncoding.DecodeString(envelope.EphemeralKey)
	if err != nil || len(ephemeralPub) != curve25519.PointSize {
		return nil, fmt.Errorf("vault: ephemeral key from %s malformed: %w", envelope.SenderKey, ErrKeyExchangeFailed)
	}

	oneTimePriv, err := v.takeOneTimeKey(conn, envelope.OneTimeKeyID)
	if err != nil {
		return nil, err
	}

	dh1, err := curve25519.X25519(oneTimePriv, envelope.SenderKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: key agreement with %s: %w", envelope.SenderKey, ErrKeyExchangeFailed)
	}
	dh2, err := curve25519.X25519(v.identityKey.Bytes(), ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("vault: key agreement with %s: %w", envelope.SenderKey, ErrKeyExchangeFailed)
	}
	dh3, err := curve25519.X25519(oneTimePriv, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("vault: key agreement with %s: %w", envelope.SenderKey, ErrKeyExchangeFailed)
	}

	chainA, chainB, err := derivePairChains(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}

	// Mirror of the initiator: their send chain is our receive
	// chain.
	v.logger.Info("established pair session from prekey message", "peer_key", envelope.SenderKey.String())
	return &pairPickle{
		TheirKey:  envelope.SenderKey.String(),
		SendChain: chainB,
		RecvChain: chainA,
	}, nil
}

// derivePairChains expands the triple-DH shared points into the two
// directional chain keys.
func derivePairChains(dh1, dh2, dh3 []byte) (chainA, chainB []byte, err error) {
	shared := make([]byte, 0, 3*curve25519.PointSize)
	shared = append(shared, dh1...)
	shared = append(shared, dh2...)
	shared = append(shared, dh3...)

	reader := hkdf.New(sha256.New, shared, nil, pairInfo)
	chainA = make([]byte, 32)
	chainB = make([]byte, 32)
	if _, err := io.ReadFull(reader, chainA); err != nil {
		return nil, nil, fmt.Errorf("vault: chain key derivation: %w", err)
	}
	if _, err := io.ReadFull(reader, chainB); err != nil {
		return nil, nil, fmt.Errorf("vault: chain key derivation: %w", err)
	}
	return chainA, chainB, nil
}

// advanceChain computes HMAC-SHA256(chain, label). With the message
// key label it yields the key for the current position; with the
// chain label it yields the next chain key. One-way in both cases.
func advanceChain(chain, label []byte) []byte {
	mac := hmac.New(sha256.New, chain)
	mac.Write(label)
	return mac.Sum(nil)
}

func pairNonce(counter uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, "loompair")
	binary.BigEndian.PutUint32(nonce[8:], counter)
	return nonce
}

func pairAAD(senderKey ref.Curve25519, counter uint32) []byte {
	aad := make([]byte, 0, len(AlgorithmPair)+1+len(senderKey.String())+4)
	aad = append(aad, AlgorithmPair...)
	aad = append(aad, '|')
	aad = append(aad, senderKey.String()...)
	aad = binary.BigEndian.AppendUint32(aad, counter)
	return aad
}

func loadPairSession(conn *sqlite.Conn, theirIdentity ref.Curve25519) (*pairPickle, error) {
	var state []byte
	err := sqlitex.Execute(conn, `SELECT state FROM vault_pair_sessions WHERE their_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{theirIdentity.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, state)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: reading pair session: %w", err)
	}
	if state == nil {
		return nil, nil
	}

	var session pairPickle
	if err := codec.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("vault: decoding pair session: %w", err)
	}
	return &session, nil
}

func savePairSession(conn *sqlite.Conn, session *pairPickle, nowMS int64) error {
	state, err := codec.Marshal(session)
	if err != nil {
		return fmt.Errorf("vault: encoding pair session: %w", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO vault_pair_sessions (their_key, state, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT (their_key) DO UPDATE SET
			state = excluded.state,
			updated_ts = excluded.updated_ts`,
		&sqlitex.ExecOptions{Args: []any{session.TheirKey, state, nowMS}})
	if err != nil {
		return fmt.Errorf("vault: writing pair session: %w", err)
	}
	return nil
}
