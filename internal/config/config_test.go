package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8791" {
		t.Fatalf("BindAddr = %q, want default", cfg.BindAddr)
	}
	if cfg.Monitor.MaxEntities != 2000 {
		t.Fatalf("MaxEntities = %d, want 2000", cfg.Monitor.MaxEntities)
	}
	if cfg.Monitor.OrphanBufferPasses != 3 {
		t.Fatalf("OrphanBufferPasses = %d, want 3", cfg.Monitor.OrphanBufferPasses)
	}
	if cfg.Retention.CronSpec != "*/10 * * * *" {
		t.Fatalf("CronSpec = %q", cfg.Retention.CronSpec)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: "0.0.0.0:9000"
monitor:
  max_entities: 500
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Monitor.MaxEntities != 500 {
		t.Fatalf("MaxEntities = %d, want 500", cfg.Monitor.MaxEntities)
	}
	if cfg.Monitor.OrphanBufferPasses != 3 {
		t.Fatalf("OrphanBufferPasses = %d, want default 3", cfg.Monitor.OrphanBufferPasses)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want default", cfg.LogLevel)
	}
}

func TestLoad_MalformedFileErrors(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{{not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EnvSecretResolution(t *testing.T) {
	home := t.TempDir()
	yaml := `
auth_token_env: FLEETDECK_TEST_TOKEN
channels:
  telegram:
    token_env: FLEETDECK_TEST_TG
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLEETDECK_TEST_TOKEN", "tok-123")
	t.Setenv("FLEETDECK_TEST_TG", "tg-456")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "tok-123" {
		t.Fatalf("AuthToken = %q", cfg.AuthToken)
	}
	if cfg.Channels.Telegram.Token != "tg-456" {
		t.Fatalf("Telegram token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_LiteralTokenWinsOverEnv(t *testing.T) {
	home := t.TempDir()
	yaml := `
auth_token: literal-tok
auth_token_env: FLEETDECK_TEST_TOKEN
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLEETDECK_TEST_TOKEN", "env-tok")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "literal-tok" {
		t.Fatalf("AuthToken = %q, want literal", cfg.AuthToken)
	}
}

func TestJournalPath(t *testing.T) {
	cfg := Default("/tmp/home")
	if got := cfg.JournalPath(); got != filepath.Join("/tmp/home", "journal.db") {
		t.Fatalf("JournalPath = %q", got)
	}
	cfg.Journal.Path = "/var/lib/fd.db"
	if got := cfg.JournalPath(); got != "/var/lib/fd.db" {
		t.Fatalf("JournalPath override = %q", got)
	}
}
