// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyfleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "debug: false\n")
	c, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Database.Type != "sqlite" {
		t.Errorf("database type = %q, want sqlite", c.Database.Type)
	}
	if c.Engine.Workers != 4 {
		t.Errorf("workers = %d, want 4", c.Engine.Workers)
	}
	if c.Engine.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", c.Engine.MaxRetries)
	}
	if c.Engine.BackoffBase != 30*time.Second {
		t.Errorf("backoff base = %v, want 30s", c.Engine.BackoffBase)
	}
	if c.Engine.BackoffCap != 10*time.Minute {
		t.Errorf("backoff cap = %v, want 10m", c.Engine.BackoffCap)
	}
	if c.Engine.LeaseTimeout != 3*time.Minute {
		t.Errorf("lease timeout = %v, want 3m", c.Engine.LeaseTimeout)
	}
	if c.Metrics.Addr != "" {
		t.Errorf("metrics addr = %q, want disabled", c.Metrics.Addr)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
database:
  type: postgres
  dsn: "postgres://keyfleet@db/keyfleet"
engine:
  workers: 8
  backoff_base: 2m
deploy:
  connect_timeout: 3s
  paths:
    bsd: "/home/%s/.ssh/authorized_keys"
`)
	c, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Database.Type != "postgres" {
		t.Errorf("database type = %q, want postgres", c.Database.Type)
	}
	if c.Engine.Workers != 8 {
		t.Errorf("workers = %d, want 8", c.Engine.Workers)
	}
	if c.Engine.BackoffBase != 2*time.Minute {
		t.Errorf("backoff base = %v, want 2m", c.Engine.BackoffBase)
	}
	if c.Deploy.ConnectTimeout != 3*time.Second {
		t.Errorf("connect timeout = %v, want 3s", c.Deploy.ConnectTimeout)
	}
	if got := c.Deploy.Paths["bsd"]; got != "/home/%s/.ssh/authorized_keys" {
		t.Errorf("bsd path = %q", got)
	}
	// Unset keys keep their defaults.
	if c.Engine.MaxRetries != 3 {
		t.Errorf("max retries = %d, want default 3", c.Engine.MaxRetries)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, "engine:\n  workers: 8\n")
	t.Setenv("KEYFLEET_ENGINE_WORKERS", "9")
	t.Setenv("KEYFLEET_DATABASE_DSN", "file:env.db")

	c, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Engine.Workers != 9 {
		t.Errorf("workers = %d, want env override 9", c.Engine.Workers)
	}
	if c.Database.DSN != "file:env.db" {
		t.Errorf("dsn = %q, want env override", c.Database.DSN)
	}
}

func TestWriteConfigFile_RoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("user config dir override relies on XDG_CONFIG_HOME")
	}
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	c := Config{}
	c.Database.Type = "sqlite"
	c.Database.DSN = "./test.db"
	c.Engine.Workers = 2
	c.Engine.BackoffBase = time.Minute

	if err := WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	path := filepath.Join(configHome, "keyfleet", "keyfleet.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load of written config failed: %v", err)
	}
	if got.Engine.Workers != 2 {
		t.Errorf("workers = %d, want 2", got.Engine.Workers)
	}
	if got.Engine.BackoffBase != time.Minute {
		t.Errorf("backoff base = %v, want 1m", got.Engine.BackoffBase)
	}
}
