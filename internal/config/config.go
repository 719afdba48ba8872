// Package config loads and watches the console daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MonitorConfig tunes the view-state and reconciliation core.
type MonitorConfig struct {
	// MaxEntities is the live-entity ceiling before terminal entities are
	// evicted, oldest first. Default 2000.
	MaxEntities int `yaml:"max_entities"`

	// OrphanBufferPasses is how many reconciliation passes a
	// child-before-parent update survives before it is dropped. Default 3.
	OrphanBufferPasses int `yaml:"orphan_buffer_passes"`
}

// JournalConfig controls the session journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path overrides the journal location; default <home>/journal.db.
	Path string `yaml:"path"`
}

// RetentionConfig controls the periodic cleanup sweep.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// CronSpec is a standard 5-field cron expression for the sweep.
	// Default "*/10 * * * *".
	CronSpec string `yaml:"cron_spec"`
	// ClearCompletedAgents makes the sweep remove terminal agents.
	ClearCompletedAgents bool `yaml:"clear_completed_agents"`
}

// TelegramConfig configures the operator notification channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	TokenEnv   string  `yaml:"token_env"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig configures telemetry export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http" | "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon configuration, loaded from <home>/config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken guards the gateway; empty disables auth (local use).
	AuthToken    string   `yaml:"auth_token"`
	AuthTokenEnv string   `yaml:"auth_token_env"`
	AllowOrigins []string `yaml:"allow_origins"`

	Monitor   MonitorConfig   `yaml:"monitor"`
	Journal   JournalConfig   `yaml:"journal"`
	Retention RetentionConfig `yaml:"retention"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`
}

// Default returns the built-in configuration for a home directory.
func Default(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		BindAddr: "127.0.0.1:8791",
		LogLevel: "info",
		Monitor: MonitorConfig{
			MaxEntities:        2000,
			OrphanBufferPasses: 3,
		},
		Journal: JournalConfig{Enabled: true},
		Retention: RetentionConfig{
			Enabled:  true,
			CronSpec: "*/10 * * * *",
		},
	}
}

// Load reads <home>/config.yaml, applies defaults for missing fields, and
// resolves secrets from the environment. A missing file is not an error —
// defaults apply.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolveEnv()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	cfg.resolveEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8791"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Monitor.MaxEntities <= 0 {
		c.Monitor.MaxEntities = 2000
	}
	if c.Monitor.OrphanBufferPasses <= 0 {
		c.Monitor.OrphanBufferPasses = 3
	}
	if c.Retention.CronSpec == "" {
		c.Retention.CronSpec = "*/10 * * * *"
	}
}

// resolveEnv pulls secrets referenced by *_env fields. The literal value
// wins when both are set, matching the in-memory-over-env rule used for
// agent credentials.
func (c *Config) resolveEnv() {
	if c.AuthToken == "" && c.AuthTokenEnv != "" {
		c.AuthToken = os.Getenv(c.AuthTokenEnv)
	}
	if c.Channels.Telegram.Token == "" && c.Channels.Telegram.TokenEnv != "" {
		c.Channels.Telegram.Token = os.Getenv(c.Channels.Telegram.TokenEnv)
	}
}

// JournalPath returns the effective journal file location.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.HomeDir, "journal.db")
}
