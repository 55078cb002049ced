// Package config provides configuration loading for the AgentMaestro
// server. Configuration sources (in priority order): env vars > config
// file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DataDir    string `json:"data_dir"`

	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	LogLevel string `json:"log_level"`

	// StoreDriver selects the relational backend: "sqlite" (default,
	// single-node) or "pgx" (literal row locking, multi-process).
	StoreDriver string `json:"store_driver"`
	StoreDSN    string `json:"store_dsn"`

	// Quota backend: "memory" (default, single-node) or "redis".
	QuotaBackend string `json:"quota_backend"`
	RedisAddr    string `json:"redis_addr,omitempty"`

	LeaseSeconds               int      `json:"lease_seconds"`
	RetryBackoffSeconds        int      `json:"retry_backoff_seconds"`
	MaxPendingSubrunsPerParent int      `json:"max_pending_subruns_per_parent"`
	EventRetentionDays         int      `json:"event_retention_days"`
	VerboseEventTypes          []string `json:"verbose_event_types"`

	ArchiveRoot string `json:"archive_root"`

	ToolrunnerURL          string `json:"toolrunner_url"`
	ToolrunnerSecret       string `json:"toolrunner_secret,omitempty"`
	ToolrunnerSkewSeconds  int    `json:"toolrunner_skew_seconds"`
	ToolrunnerHTTPTimeout  time.Duration `json:"toolrunner_http_timeout"`
	ToolrunnerExecTimeout  int    `json:"toolrunner_exec_timeout_s"`
	ToolrunnerMaxOutputBytes int  `json:"toolrunner_max_output_bytes"`

	HTTPReadTimeout  time.Duration `json:"http_read_timeout"`
	HTTPWriteTimeout time.Duration `json:"http_write_timeout"`
	WSReadTimeout    time.Duration `json:"ws_read_timeout"`
	WSPingInterval   time.Duration `json:"ws_ping_interval"`

	// QuotaBypass disables rate enforcement (never concurrency enforcement).
	QuotaBypass bool `json:"quota_bypass"`
}

// Default returns configuration with the spec's §6.5 defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/agentmaestro",
		LogLevel:   "info",

		StoreDriver: "sqlite",
		StoreDSN:    "/var/lib/agentmaestro/agentmaestro.db",

		QuotaBackend: "memory",
		RedisAddr:    "127.0.0.1:6379",

		LeaseSeconds:               20,
		RetryBackoffSeconds:        5,
		MaxPendingSubrunsPerParent: 4,
		EventRetentionDays:         30,
		VerboseEventTypes:          []string{"token_stream", "debug_log"},

		ArchiveRoot: "/var/lib/agentmaestro/run_archives",

		ToolrunnerURL:            "http://127.0.0.1:9000/v1/execute",
		ToolrunnerSkewSeconds:    30,
		ToolrunnerHTTPTimeout:    60 * time.Second,
		ToolrunnerExecTimeout:    30,
		ToolrunnerMaxOutputBytes: 65536,

		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 30 * time.Second,
		WSReadTimeout:    90 * time.Second,
		WSPingInterval:   30 * time.Second,
	}
}

// Load reads configuration from a file (if path is non-empty), then
// overlays AGENTMAESTRO_* environment variables, then returns the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("AGENTMAESTRO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGENTMAESTRO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTMAESTRO_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("AGENTMAESTRO_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("AGENTMAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTMAESTRO_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("AGENTMAESTRO_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("AGENTMAESTRO_QUOTA_BACKEND"); v != "" {
		cfg.QuotaBackend = v
	}
	if v := os.Getenv("AGENTMAESTRO_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("AGENTMAESTRO_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("AGENTMAESTRO_RETRY_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBackoffSeconds = n
		}
	}
	if v := os.Getenv("AGENTMAESTRO_MAX_PENDING_SUBRUNS_PER_PARENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPendingSubrunsPerParent = n
		}
	}
	if v := os.Getenv("AGENTMAESTRO_EVENT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventRetentionDays = n
		}
	}
	if v := os.Getenv("AGENTMAESTRO_VERBOSE_EVENT_TYPES"); v != "" {
		cfg.VerboseEventTypes = strings.Split(v, ",")
	}
	if v := os.Getenv("AGENTMAESTRO_ARCHIVE_ROOT"); v != "" {
		cfg.ArchiveRoot = v
	}
	if v := os.Getenv("AGENTMAESTRO_TOOLRUNNER_URL"); v != "" {
		cfg.ToolrunnerURL = v
	}
	if v := os.Getenv("AGENTMAESTRO_TOOLRUNNER_SECRET"); v != "" {
		cfg.ToolrunnerSecret = v
	}
	if v := os.Getenv("AGENTMAESTRO_TOOLRUNNER_SKEW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolrunnerSkewSeconds = n
		}
	}
	if v := os.Getenv("AGENTMAESTRO_QUOTA_BYPASS"); v != "" {
		cfg.QuotaBypass = v == "true" || v == "1"
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes the resolved configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
