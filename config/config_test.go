// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Sync.PollTimeoutDuration() != 30*time.Second {
		t.Errorf("expected poll_timeout=30s, got %v", cfg.Sync.PollTimeoutDuration())
	}
	if cfg.Vault.OneTimeKeyTarget != 50 {
		t.Errorf("expected one_time_key_target=50, got %d", cfg.Vault.OneTimeKeyTarget)
	}
	if cfg.Vault.RotateAfterAgeDuration() != 7*24*time.Hour {
		t.Errorf("expected rotate_after_age=168h, got %v", cfg.Vault.RotateAfterAgeDuration())
	}
}

func TestLoad_RequiresLoomConfig(t *testing.T) {
	origConfig := os.Getenv("LOOM_CONFIG")
	defer os.Setenv("LOOM_CONFIG", origConfig)

	os.Unsetenv("LOOM_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when LOOM_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "LOOM_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: staging

homeserver:
  url: https://loom.example
  user_id: "@alice:loom.example"
  device_id: ALICEDEV
  access_token_file: /run/secrets/loom-token

storage:
  path: /var/lib/loom/loom.db

sync:
  poll_timeout: 10s
  room_concurrency: 8
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Homeserver.URL != "https://loom.example" {
		t.Errorf("expected homeserver url, got %s", cfg.Homeserver.URL)
	}
	if cfg.Sync.PollTimeoutDuration() != 10*time.Second {
		t.Errorf("expected poll_timeout=10s, got %v", cfg.Sync.PollTimeoutDuration())
	}
	if cfg.Sync.RoomConcurrency != 8 {
		t.Errorf("expected room_concurrency=8, got %d", cfg.Sync.RoomConcurrency)
	}

	// Unset fields keep their defaults.
	if cfg.Sync.RetryMaxDuration() != 5*time.Minute {
		t.Errorf("expected default retry_max=5m, got %v", cfg.Sync.RetryMaxDuration())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production

homeserver:
  url: https://loom.example
  user_id: "@alice:loom.example"
  device_id: ALICEDEV
  access_token_file: /run/secrets/loom-token

storage:
  path: /var/lib/loom/loom.db

production:
  storage:
    path: /srv/loom/loom.db
  sync:
    room_concurrency: 16

development:
  storage:
    path: /tmp/loom-dev.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Storage.Path != "/srv/loom/loom.db" {
		t.Errorf("production override not applied, path = %s", cfg.Storage.Path)
	}
	if cfg.Sync.RoomConcurrency != 16 {
		t.Errorf("production sync override not applied, concurrency = %d", cfg.Sync.RoomConcurrency)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	path := writeConfig(t, `
environment: development

homeserver:
  url: https://loom.example
  user_id: "@alice:loom.example"
  device_id: ALICEDEV
  access_token_file: ${HOME}/.config/loom/token

storage:
  path: ${HOME}/.local/share/loom/loom.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Storage.Path != "/home/alice/.local/share/loom/loom.db" {
		t.Errorf("HOME not expanded in storage.path: %s", cfg.Storage.Path)
	}
	if cfg.Homeserver.AccessTokenFile != "/home/alice/.config/loom/token" {
		t.Errorf("HOME not expanded in access_token_file: %s", cfg.Homeserver.AccessTokenFile)
	}
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	path := writeConfig(t, `
environment: development
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a config without homeserver settings")
	}
	for _, want := range []string{"homeserver.url", "homeserver.user_id", "access_token_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error does not mention %s: %v", want, err)
		}
	}

	t.Run("bad environment", func(t *testing.T) {
		cfg.Environment = "testing"
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "invalid environment") {
			t.Errorf("Validate did not reject environment %q: %v", cfg.Environment, err)
		}
	})
}
