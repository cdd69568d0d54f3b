// Package config loads and holds all maskvault configuration.
// Settings are layered: defaults → maskvault-config.json → environment
// variables (env vars win). The CLI surface, formatter, and policy engine
// are external collaborators (§1/§6) and load their own configuration;
// this package only covers the core's own tuning knobs plus the
// environment variables §6 names as the core's external interface.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the full core configuration.
type Config struct {
	// MasterKey is required for vault construction (§6). Never logged or
	// serialized back out.
	MasterKey string `json:"-"`
	VaultPath string `json:"vaultPath"`

	// AuditKey signs every audit entry (§6). Never logged or serialized.
	AuditKey   string `json:"-"`
	AuditLogDir string `json:"auditLogDir"`

	LogLevel string `json:"logLevel"`

	AdminAddress string `json:"adminAddress"`
	AdminToken   string `json:"-"`

	// Detector tuning (§4.1).
	MinConfidence   float64 `json:"minConfidence"`
	MaxInputLengthMB int    `json:"maxInputLengthMb"`

	// Vault tuning (§4.3).
	DefaultTTL       time.Duration `json:"defaultTtl"`
	HotCacheCapacity int           `json:"hotCacheCapacity"`

	// Session registry tuning (§3).
	MaxSessions int           `json:"maxSessions"`
	SessionTTL  time.Duration `json:"sessionTtl"`

	// Audit log tuning (§4.4).
	AuditQueueSize   int           `json:"auditQueueSize"`
	RetentionMaxMB   int64         `json:"retentionMaxMb"`
	RetentionMaxAge  time.Duration `json:"retentionMaxAge"`

	// Streaming coordinator tuning (§4.5).
	StreamingBufferSize int `json:"streamingBufferSize"`
}

// Load returns config with defaults overridden by maskvault-config.json
// and environment variables.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "maskvault-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		VaultPath:           "maskvault-vault.db",
		AuditLogDir:         ".",
		LogLevel:            "info",
		AdminAddress:        "127.0.0.1:8443",
		MinConfidence:       0.0,
		MaxInputLengthMB:    1,
		DefaultTTL:          0,
		HotCacheCapacity:    4096,
		MaxSessions:         1000,
		SessionTTL:          24 * time.Hour,
		AuditQueueSize:      1000,
		RetentionMaxMB:      100,
		RetentionMaxAge:     90 * 24 * time.Hour,
		StreamingBufferSize: 256,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv("AUDIT_KEY"); v != "" {
		cfg.AuditKey = v
	}
	if v := os.Getenv("AUDIT_LOG_DIR"); v != "" {
		cfg.AuditLogDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ADMIN_ADDRESS"); v != "" {
		cfg.AdminAddress = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinConfidence = f
		}
	}
	if v := os.Getenv("MAX_INPUT_LENGTH_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInputLengthMB = n
		}
	}
	if v := os.Getenv("VAULT_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTTL = d
		}
	}
	if v := os.Getenv("HOT_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.HotCacheCapacity = n
		}
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}
	if v := os.Getenv("AUDIT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AuditQueueSize = n
		}
	}
	if v := os.Getenv("RETENTION_MAX_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.RetentionMaxMB = n
		}
	}
	if v := os.Getenv("RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetentionMaxAge = d
		}
	}
	if v := os.Getenv("STREAMING_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StreamingBufferSize = n
		}
	}
}
