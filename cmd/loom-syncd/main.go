// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// loom-syncd is the headless sync daemon. It keeps the local event
// store, room state, and session vault continuously up to date with
// the homeserver, so interactive frontends read a warm database
// instead of syncing themselves.
//
// Configuration comes from a single YAML file named by LOOM_CONFIG or
// --config; there is no discovery. The access token is read from a
// separate file so the config itself carries no secrets. An optional
// sync filter file (JSON, comments allowed) is passed through to the
// homeserver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/loom-im/loom/client"
	"github.com/loom-im/loom/config"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loom-syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("loom-syncd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to loom.yaml (overrides LOOM_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := buildLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	userID, err := ref.ParseUserID(cfg.Homeserver.UserID)
	if err != nil {
		return fmt.Errorf("homeserver.user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(cfg.Homeserver.DeviceID)
	if err != nil {
		return fmt.Errorf("homeserver.device_id: %w", err)
	}

	token, err := os.ReadFile(cfg.Homeserver.AccessTokenFile)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}

	filter, err := loadFilter(cfg.Sync.FilterFile)
	if err != nil {
		return err
	}

	homeserver, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
		// One shared client for all requests; the budget must cover a
		// full sync long-poll plus the server's own response time.
		HTTPClient: &http.Client{
			Timeout: cfg.Sync.PollTimeoutDuration() + cfg.Homeserver.RequestTimeoutDuration(),
		},
	})
	if err != nil {
		return err
	}
	session, err := homeserver.SessionFromToken(userID, deviceID, strings.TrimSpace(string(token)))
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := client.New(ctx, client.Config{
		Session:             session,
		DatabasePath:        cfg.Storage.Path,
		PoolSize:            cfg.Storage.PoolSize,
		Logger:              logger,
		PollTimeout:         cfg.Sync.PollTimeoutDuration(),
		RetryMin:            cfg.Sync.RetryMinDuration(),
		RetryMax:            cfg.Sync.RetryMaxDuration(),
		RoomConcurrency:     cfg.Sync.RoomConcurrency,
		Filter:              filter,
		RotateAfterAge:      cfg.Vault.RotateAfterAgeDuration(),
		RotateAfterMessages: cfg.Vault.RotateAfterMessages,
		OneTimeKeyTarget:    cfg.Vault.OneTimeKeyTarget,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	logger.Info("loom-syncd starting",
		"homeserver", cfg.Homeserver.URL,
		"user_id", userID.String(),
		"device_id", deviceID.String(),
		"database", cfg.Storage.Path,
		"fingerprint", engine.Vault().Fingerprint())

	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("loom-syncd stopped")
		return nil
	}
	return err
}

// loadConfig resolves the config path from the flag or LOOM_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// loadFilter reads a sync filter file, stripping comments so the
// file can document itself. Returns compacted JSON for the filter
// query parameter.
func loadFilter(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading sync filter: %w", err)
	}
	return string(jsonc.ToJSONInPlace(data)), nil
}

func buildLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
