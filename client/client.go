// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package client assembles the full engine: homeserver session,
// event store, session vault, timeline views, and the sync loop,
// opened against one local database.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/messaging"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/sync"
	"github.com/loom-im/loom/timeline"
	"github.com/loom-im/loom/vault"
)

// Config holds parameters for assembling a Client.
type Config struct {
	// Session is the authenticated homeserver session. Required; the
	// caller builds it with messaging.Client.Login or SessionFromToken.
	Session *messaging.Session

	// DatabasePath is the SQLite file holding events, state, and
	// session material.
	DatabasePath string
	// PoolSize is the SQLite connection pool size. Zero uses the
	// pool's default.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
	// Clock drives rotation thresholds and sync backoff. Nil means
	// the system clock.
	Clock clock.Clock

	// Sync tuning, passed through to the engine. Zero values use the
	// engine's defaults.
	PollTimeout     time.Duration
	RetryMin        time.Duration
	RetryMax        time.Duration
	RoomConcurrency int
	Filter          string

	// Vault tuning, passed through. Zero values use the vault's
	// defaults.
	RotateAfterAge      time.Duration
	RotateAfterMessages int
	OneTimeKeyTarget    int
}

// Client is the assembled engine. All subsystems share one database;
// accessors expose them for direct use.
type Client struct {
	session  *messaging.Session
	store    *store.Store
	vault    *vault.Vault
	timeline *timeline.Timeline
	engine   *sync.Engine
	logger   *slog.Logger
}

// New opens the database, loads or creates the device's keys, and
// wires the sync engine. The returned Client owns the store and
// vault; Close releases them. The session stays owned by the caller.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("client: Config.Session is required")
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("client: Config.DatabasePath is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	st, err := store.Open(store.Config{
		Path:      cfg.DatabasePath,
		PoolSize:  cfg.PoolSize,
		Logger:    logger,
		OnConnect: vault.Schema,
	})
	if err != nil {
		return nil, err
	}

	vlt, err := vault.Open(ctx, vault.Config{
		Pool:                st.Pool(),
		Logger:              logger,
		Clock:               cfg.Clock,
		RotateAfterAge:      cfg.RotateAfterAge,
		RotateAfterMessages: cfg.RotateAfterMessages,
		OneTimeKeyTarget:    cfg.OneTimeKeyTarget,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	tl, err := timeline.New(timeline.Config{
		Store:     st,
		Paginator: cfg.Session,
		Logger:    logger,
	})
	if err != nil {
		vlt.Close()
		st.Close()
		return nil, err
	}

	engine, err := sync.New(sync.Config{
		Transport:       cfg.Session,
		Store:           st,
		Vault:           vlt,
		Timeline:        tl,
		Logger:          logger,
		Clock:           cfg.Clock,
		UserID:          cfg.Session.UserID(),
		DeviceID:        cfg.Session.DeviceID(),
		PollTimeout:     cfg.PollTimeout,
		RetryMin:        cfg.RetryMin,
		RetryMax:        cfg.RetryMax,
		RoomConcurrency: cfg.RoomConcurrency,
		Filter:          cfg.Filter,
	})
	if err != nil {
		vlt.Close()
		st.Close()
		return nil, err
	}

	return &Client{
		session:  cfg.Session,
		store:    st,
		vault:    vlt,
		timeline: tl,
		engine:   engine,
		logger:   logger,
	}, nil
}

// Close releases the vault and the store. The session is the
// caller's to close.
func (c *Client) Close() error {
	return errors.Join(c.vault.Close(), c.store.Close())
}

// Session returns the homeserver session.
func (c *Client) Session() *messaging.Session { return c.session }

// Store returns the local event store.
func (c *Client) Store() *store.Store { return c.store }

// Vault returns the session vault.
func (c *Client) Vault() *vault.Vault { return c.vault }

// Timeline returns the timeline view layer.
func (c *Client) Timeline() *timeline.Timeline { return c.timeline }

// Engine returns the sync engine, for callback registration and
// state inspection.
func (c *Client) Engine() *sync.Engine { return c.engine }

// PublishDeviceKeys uploads this device's signed identity keys. The
// upload is idempotent; run it once per session before syncing so
// other devices can establish sessions toward us.
func (c *Client) PublishDeviceKeys(ctx context.Context) error {
	keys, err := c.vault.DeviceKeys(c.session.UserID(), c.session.DeviceID())
	if err != nil {
		return err
	}
	if _, err := c.session.UploadKeys(ctx, messaging.UploadKeysRequest{DeviceKeys: keys}); err != nil {
		return fmt.Errorf("client: publishing device keys: %w", err)
	}
	return nil
}

// SyncOnce runs a single sync cycle.
func (c *Client) SyncOnce(ctx context.Context) (*sync.SyncResult, error) {
	return c.engine.Once(ctx)
}

// Run publishes device keys, seeds the one-time key supply, and
// syncs until ctx is cancelled. A failed publish or seed is logged
// and retried implicitly: one-time key replenishment re-uploads on a
// later cycle, and callers may invoke PublishDeviceKeys directly.
func (c *Client) Run(ctx context.Context) error {
	if err := c.PublishDeviceKeys(ctx); err != nil {
		c.logger.Warn("device key publish failed, continuing", "error", err)
	}
	if err := c.engine.SeedOneTimeKeys(ctx); err != nil {
		c.logger.Warn("one-time key seeding failed, continuing", "error", err)
	}
	return c.engine.RunForever(ctx)
}

// ExportSessions writes a passphrase-protected backup of all held
// inbound group sessions.
func (c *Client) ExportSessions(ctx context.Context, passphrase *secret.Buffer) ([]byte, error) {
	return c.vault.ExportSessions(ctx, passphrase)
}

// ImportSessions restores a session backup and retries decryption of
// any stored events that were waiting on the restored sessions.
func (c *Client) ImportSessions(ctx context.Context, backup []byte, passphrase *secret.Buffer) (vault.ImportResult, error) {
	result, err := c.vault.ImportSessions(ctx, backup, passphrase)
	if err != nil {
		return result, err
	}
	if len(result.SessionIDs) > 0 {
		retried, err := c.engine.RetrySessions(ctx, result.SessionIDs)
		if err != nil {
			return result, err
		}
		if retried > 0 {
			c.logger.Info("restored sessions unlocked stored events",
				"sessions", len(result.SessionIDs), "events", retried)
		}
	}
	return result, nil
}
