package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.LeaseSeconds != 20 {
		t.Errorf("expected lease seconds 20, got %d", cfg.LeaseSeconds)
	}
	if cfg.RetryBackoffSeconds != 5 {
		t.Errorf("expected retry backoff 5, got %d", cfg.RetryBackoffSeconds)
	}
	if cfg.MaxPendingSubrunsPerParent != 4 {
		t.Errorf("expected max pending subruns 4, got %d", cfg.MaxPendingSubrunsPerParent)
	}
	if cfg.EventRetentionDays != 30 {
		t.Errorf("expected event retention 30, got %d", cfg.EventRetentionDays)
	}
	if len(cfg.VerboseEventTypes) != 2 || cfg.VerboseEventTypes[0] != "token_stream" {
		t.Errorf("unexpected verbose event types: %v", cfg.VerboseEventTypes)
	}
	if cfg.QuotaBypass {
		t.Error("expected quota bypass disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"lease_seconds": 45,
		"quota_bypass": true
	}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.LeaseSeconds != 45 {
		t.Errorf("expected lease seconds 45, got %d", cfg.LeaseSeconds)
	}
	if !cfg.QuotaBypass {
		t.Error("expected quota bypass true")
	}
	// Fields not present in the file retain their defaults.
	if cfg.RetryBackoffSeconds != 5 {
		t.Errorf("expected retry backoff default 5, got %d", cfg.RetryBackoffSeconds)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTMAESTRO_LISTEN_ADDR", ":7070")
	t.Setenv("AGENTMAESTRO_LEASE_SECONDS", "99")
	t.Setenv("AGENTMAESTRO_QUOTA_BYPASS", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("expected env override :7070, got %s", cfg.ListenAddr)
	}
	if cfg.LeaseSeconds != 99 {
		t.Errorf("expected env override 99, got %d", cfg.LeaseSeconds)
	}
	if !cfg.QuotaBypass {
		t.Error("expected quota bypass true from env")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Default()
	cfg.ListenAddr = ":1234"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenAddr != ":1234" {
		t.Errorf("expected :1234, got %s", loaded.ListenAddr)
	}
}
