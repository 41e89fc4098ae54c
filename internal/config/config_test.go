package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Port)
	}
	if cfg.SyncRelayPort != 3006 {
		t.Fatalf("sync relay port = %d, want 3006", cfg.SyncRelayPort)
	}
	if cfg.SyncMode != SyncModeLegacy {
		t.Fatalf("sync mode = %q, want legacy", cfg.SyncMode)
	}
	if cfg.SaveDebounceMS != 2000 || cfg.DocCleanupDelayMS != 60000 {
		t.Fatalf("relay timings = %d/%d", cfg.SaveDebounceMS, cfg.DocCleanupDelayMS)
	}
	if !cfg.IsDev() {
		t.Fatal("default env should be development")
	}
	if cfg.CookieSecure() {
		t.Fatal("localhost must not set Secure cookies")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := "port: 4000\ndomain: example.com\nsync_mode: mirror\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "5000")
	t.Setenv("SYNC_MODE", "relay_primary")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 5000 {
		t.Fatalf("env should win over file: port = %d", cfg.Port)
	}
	if cfg.Domain != "example.com" {
		t.Fatalf("domain = %q", cfg.Domain)
	}
	if cfg.SyncMode != SyncModeRelayPrimary {
		t.Fatalf("sync mode = %q", cfg.SyncMode)
	}
	if !cfg.CookieSecure() {
		t.Fatal("example.com should set Secure cookies")
	}
}

func TestLoadRejectsBadSyncMode(t *testing.T) {
	t.Setenv("SYNC_MODE", "nonsense")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for bad sync mode")
	}
}
