package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHATSYNC_DIR", dir)
	return dir
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := useTempDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RemoteDSN != "" {
		t.Errorf("RemoteDSN = %q, want empty", cfg.RemoteDSN)
	}
	if cfg.Workspace != "default" {
		t.Errorf("Workspace = %q, want default", cfg.Workspace)
	}
	if cfg.LocalDB != filepath.Join(dir, "chats.db") {
		t.Errorf("LocalDB = %q", cfg.LocalDB)
	}
	if cfg.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", cfg.Interval, DefaultInterval)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	useTempDir(t)

	cfg := Default()
	cfg.RemoteDSN = "libsql://example.turso.io?authToken=abc"
	cfg.Workspace = "alice"
	cfg.Interval = 2 * time.Minute
	cfg.Keys = []string{"settings", "prompts"}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.RemoteDSN != cfg.RemoteDSN {
		t.Errorf("RemoteDSN = %q, want %q", loaded.RemoteDSN, cfg.RemoteDSN)
	}
	if loaded.Workspace != "alice" {
		t.Errorf("Workspace = %q", loaded.Workspace)
	}
	if loaded.Interval != 2*time.Minute {
		t.Errorf("Interval = %v", loaded.Interval)
	}
	if len(loaded.Keys) != 2 || loaded.Keys[0] != "settings" {
		t.Errorf("Keys = %v", loaded.Keys)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	useTempDir(t)

	cfg := Default()
	cfg.RemoteDSN = "file:remote.db"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("CHATSYNC_REMOTE_DSN", "postgres://db.example.com/sync")
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.RemoteDSN != "postgres://db.example.com/sync" {
		t.Errorf("RemoteDSN = %q, env override not applied", loaded.RemoteDSN)
	}
}

func TestIntervalClampedToFloor(t *testing.T) {
	useTempDir(t)

	cfg := Default()
	cfg.RemoteDSN = "file:remote.db"
	cfg.Interval = 5 * time.Second
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Interval != MinInterval {
		t.Errorf("Interval = %v, want clamped to %v", loaded.Interval, MinInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Validate on empty DSN = %v, want ErrNotConfigured", err)
	}

	cfg.RemoteDSN = "file:remote.db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v, want nil", err)
	}

	cfg.Workspace = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted empty workspace")
	}
}

func TestMalformedConfigFileFails(t *testing.T) {
	dir := useTempDir(t)

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}
