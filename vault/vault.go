// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/lib/sqlitepool"
	"github.com/loom-im/loom/messaging"
)

// Algorithm identifiers carried in envelopes and key uploads.
const (
	AlgorithmPair  = "loom.pair.v1"
	AlgorithmGroup = "loom.group.v1"

	// AlgorithmOneTimeKey is the upload namespace for signed
	// one-time keys.
	AlgorithmOneTimeKey = "signed_curve25519"
)

const vaultSchema = `
CREATE TABLE IF NOT EXISTS vault_account (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	signing_seed BLOB NOT NULL,
	identity_key BLOB NOT NULL,
	created_ts   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_one_time_keys (
	key_id    TEXT PRIMARY KEY,
	private   BLOB NOT NULL,
	published INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS vault_pair_sessions (
	their_key  TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	updated_ts INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS vault_outbound_group (
	room_id    TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	created_ts INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS vault_inbound_group (
	room_id    TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	state      BLOB NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id)
) WITHOUT ROWID;
`

// Schema installs the vault's tables on a connection. Passed to the
// store's OnConnect hook so both live in one database and share
// transactions' durability settings.
func Schema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, vaultSchema, nil); err != nil {
		return fmt.Errorf("vault: creating schema: %w", err)
	}
	return nil
}

// Config holds parameters for opening a Vault.
type Config struct {
	// Pool is the shared SQLite pool. The vault's tables must already
	// be installed on it (see Schema).
	Pool *sqlitepool.Pool
	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
	// Clock drives rotation thresholds. Nil means the system clock.
	Clock clock.Clock
	// RotateAfterAge rotates a room's outbound group session once it
	// is older than this. Zero means 7 days.
	RotateAfterAge time.Duration
	// RotateAfterMessages rotates after this many messages encrypted
	// under one session. Zero means 100.
	RotateAfterMessages int
	// OneTimeKeyTarget is the number of one-time keys to keep
	// published. Zero means 50.
	OneTimeKeyTarget int
}

// Vault owns the device's cryptographic material. Safe for
// concurrent use; ratchet-advancing operations serialize on an
// internal mutex.
type Vault struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	clock  clock.Clock

	rotateAfterAge      time.Duration
	rotateAfterMessages int
	oneTimeKeyTarget    int

	mu sync.Mutex

	signingKey  ed25519.PrivateKey
	signingPub  ed25519.PublicKey
	identityKey *secret.Buffer
	identityPub ref.Curve25519
}

// Open loads the device account from the pool's database, creating
// fresh identity keys on first use.
func Open(ctx context.Context, cfg Config) (*Vault, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("vault: Config.Pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	v := &Vault{
		pool:                cfg.Pool,
		logger:              logger,
		clock:               clk,
		rotateAfterAge:      cfg.RotateAfterAge,
		rotateAfterMessages: cfg.RotateAfterMessages,
		oneTimeKeyTarget:    cfg.OneTimeKeyTarget,
	}
	if v.rotateAfterAge == 0 {
		v.rotateAfterAge = 7 * 24 * time.Hour
	}
	if v.rotateAfterMessages == 0 {
		v.rotateAfterMessages = 100
	}
	if v.oneTimeKeyTarget == 0 {
		v.oneTimeKeyTarget = 50
	}

	if err := v.loadOrCreateAccount(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Close releases the in-memory identity key material. The shared
// pool is owned by the store and is not closed here.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identityKey != nil {
		return v.identityKey.Close()
	}
	return nil
}

func (v *Vault) loadOrCreateAccount(ctx context.Context) error {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer v.pool.Put(conn)

	var seed, identity []byte
	err = sqlitex.Execute(conn, `SELECT signing_seed, identity_key FROM vault_account WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seed = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, seed)
				identity = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, identity)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("vault: reading account: %w", err)
	}

	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return fmt.Errorf("vault: generating signing seed: %w", err)
		}
		identity = make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, identity); err != nil {
			return fmt.Errorf("vault: generating identity key: %w", err)
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO vault_account (id, signing_seed, identity_key, created_ts)
			VALUES (1, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{seed, identity, v.clock.Now().UnixMilli()}})
		if err != nil {
			return fmt.Errorf("vault: storing account: %w", err)
		}
		v.logger.Info("generated device identity keys")
	}

	v.signingKey = ed25519.NewKeyFromSeed(seed)
	v.signingPub = v.signingKey.Public().(ed25519.PublicKey)

	identityBuffer, err := secret.NewFromBytes(identity)
	if err != nil {
		return fmt.Errorf("vault: protecting identity key: %w", err)
	}
	v.identityKey = identityBuffer

	identityPub, err := curve25519.X25519(identityBuffer.Bytes(), curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("vault: deriving identity public key: %w", err)
	}
	v.identityPub, err = ref.Curve25519FromBytes(identityPub)
	if err != nil {
		return fmt.Errorf("vault: encoding identity public key: %w", err)
	}
	return nil
}

// IdentityKey returns the device's public Curve25519 identity key.
func (v *Vault) IdentityKey() ref.Curve25519 {
	return v.identityPub
}

// SigningKey returns the device's public Ed25519 signing key in
// unpadded base64.
func (v *Vault) SigningKey() string {
	return base64.RawStdEncoding.EncodeToString(v.signingPub)
}

// Fingerprint returns a short BLAKE3 digest over both public keys,
// for display during manual device verification.
func (v *Vault) Fingerprint() string {
	hasher := blake3.New()
	hasher.Write(v.identityPub.Bytes())
	hasher.Write(v.signingPub)
	return base64.RawStdEncoding.EncodeToString(hasher.Sum(nil)[:16])
}

// DeviceKeys builds the signed device key upload for this account.
func (v *Vault) DeviceKeys(userID ref.UserID, deviceID ref.DeviceID) (*messaging.DeviceKeys, error) {
	keys := &messaging.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{AlgorithmPair, AlgorithmGroup},
		Keys: map[string]string{
			"curve25519:" + deviceID.String(): v.identityPub.String(),
			"ed25519:" + deviceID.String():    v.SigningKey(),
		},
	}

	signature, err := v.signCanonical(map[string]any{
		"user_id":    keys.UserID.String(),
		"device_id":  keys.DeviceID.String(),
		"algorithms": keys.Algorithms,
		"keys":       keys.Keys,
	})
	if err != nil {
		return nil, err
	}
	keys.Signatures = map[string]map[string]string{
		userID.String(): {"ed25519:" + deviceID.String(): signature},
	}
	return keys, nil
}

// VerifyDeviceKeys checks a queried device's self-signature. Failing
// verification means the keys cannot be trusted for session
// establishment.
func (v *Vault) VerifyDeviceKeys(keys *messaging.DeviceKeys) error {
	signingKeyB64, ok := keys.Keys["ed25519:"+keys.DeviceID.String()]
	if !ok {
		return fmt.Errorf("vault: device %s has no signing key: %w", keys.DeviceID, ErrKeyExchangeFailed)
	}
	signingKey, err := base64.RawStdEncoding.DecodeString(signingKeyB64)
	if err != nil || len(signingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("vault: device %s signing key malformed: %w", keys.DeviceID, ErrKeyExchangeFailed)
	}

	signatureB64, ok := keys.Signatures[keys.UserID.String()]["ed25519:"+keys.DeviceID.String()]
	if !ok {
		return fmt.Errorf("vault: device %s keys unsigned: %w", keys.DeviceID, ErrKeyExchangeFailed)
	}
	signature, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("vault: device %s signature malformed: %w", keys.DeviceID, ErrKeyExchangeFailed)
	}

	canonical, err := canonicalJSON(map[string]any{
		"user_id":    keys.UserID.String(),
		"device_id":  keys.DeviceID.String(),
		"algorithms": keys.Algorithms,
		"keys":       keys.Keys,
	})
	if err != nil {
		return err
	}
	if !ed25519.Verify(signingKey, canonical, signature) {
		return fmt.Errorf("vault: device %s signature invalid: %w", keys.DeviceID, ErrKeyExchangeFailed)
	}
	return nil
}

// GenerateOneTimeKeys creates count fresh one-time keys and returns
// them in upload form, keyed "signed_curve25519:<key_id>". The
// private halves are persisted before the keys are returned; call
// MarkOneTimeKeysPublished once the upload succeeds.
func (v *Vault) GenerateOneTimeKeys(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, count int) (map[string]messaging.OneTimeKey, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer v.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("vault: begin one-time key generation: %w", err)
	}
	defer endTransaction(&err)

	keys := make(map[string]messaging.OneTimeKey, count)
	for i := 0; i < count; i++ {
		private := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, private); err != nil {
			return nil, fmt.Errorf("vault: generating one-time key: %w", err)
		}
		public, err := curve25519.X25519(private, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("vault: deriving one-time public key: %w", err)
		}

		keyID, err := randomKeyID()
		if err != nil {
			return nil, err
		}
		publicB64 := base64.RawStdEncoding.EncodeToString(public)

		signature, err := v.signCanonical(map[string]any{"key": publicB64})
		if err != nil {
			return nil, err
		}

		err = sqlitex.Execute(conn, `
			INSERT INTO vault_one_time_keys (key_id, private, published) VALUES (?, ?, 0)`,
			&sqlitex.ExecOptions{Args: []any{keyID, private}})
		if err != nil {
			return nil, fmt.Errorf("vault: storing one-time key: %w", err)
		}

		keys[AlgorithmOneTimeKey+":"+keyID] = messaging.OneTimeKey{
			Key: publicB64,
			Signatures: map[string]map[string]string{
				userID.String(): {"ed25519:" + deviceID.String(): signature},
			},
		}
	}
	return keys, nil
}

// MarkOneTimeKeysPublished flags uploaded keys so they are counted
// against the publish target.
func (v *Vault) MarkOneTimeKeysPublished(ctx context.Context, uploadIDs []string) error {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer v.pool.Put(conn)

	for _, uploadID := range uploadIDs {
		keyID := uploadID
		if len(uploadID) > len(AlgorithmOneTimeKey)+1 && uploadID[:len(AlgorithmOneTimeKey)] == AlgorithmOneTimeKey {
			keyID = uploadID[len(AlgorithmOneTimeKey)+1:]
		}
		err = sqlitex.Execute(conn, `UPDATE vault_one_time_keys SET published = 1 WHERE key_id = ?`,
			&sqlitex.ExecOptions{Args: []any{keyID}})
		if err != nil {
			return fmt.Errorf("vault: marking one-time key published: %w", err)
		}
	}
	return nil
}

// PublishedOneTimeKeyCount returns how many uploaded one-time keys
// are still held locally. An upper bound on the server's unclaimed
// count, used to seed replenishment before the first sync cycle
// reports a real count.
func (v *Vault) PublishedOneTimeKeyCount(ctx context.Context) (int, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer v.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM vault_one_time_keys WHERE published = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("vault: counting published one-time keys: %w", err)
	}
	return count, nil
}

// ReplenishmentNeeded reports how many one-time keys should be
// generated and uploaded given the server's current unclaimed count.
// Replenishment kicks in below half the target to batch uploads.
func (v *Vault) ReplenishmentNeeded(serverCount int) int {
	if serverCount >= v.oneTimeKeyTarget/2 {
		return 0
	}
	return v.oneTimeKeyTarget - serverCount
}

// takeOneTimeKey removes and returns the private half of a one-time
// key. One-time keys are consumed on first use.
func (v *Vault) takeOneTimeKey(conn *sqlite.Conn, keyID string) ([]byte, error) {
	var private []byte
	err := sqlitex.Execute(conn, `
		DELETE FROM vault_one_time_keys WHERE key_id = ? RETURNING private`,
		&sqlitex.ExecOptions{
			Args: []any{keyID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				private = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, private)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: consuming one-time key %s: %w", keyID, err)
	}
	if private == nil {
		return nil, fmt.Errorf("vault: one-time key %s not held: %w", keyID, ErrUnknownSession)
	}
	return private, nil
}

// signCanonical signs the canonical JSON encoding of payload with
// the device's Ed25519 key.
func (v *Vault) signCanonical(payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	signature := ed25519.Sign(v.signingKey, canonical)
	return base64.RawStdEncoding.EncodeToString(signature), nil
}

// canonicalJSON produces the signing form of a payload. Go's
// encoding/json emits map keys in sorted order at every level, which
// is the canonicalization the signature scheme requires.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: canonical encoding: %w", err)
	}
	return encoded, nil
}

func randomKeyID() (string, error) {
	raw := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("vault: generating key ID: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
