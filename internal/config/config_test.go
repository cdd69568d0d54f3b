package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.VaultPath != "maskvault-vault.db" {
		t.Errorf("VaultPath: got %s", cfg.VaultPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.AdminAddress != "127.0.0.1:8443" {
		t.Errorf("AdminAddress: got %s", cfg.AdminAddress)
	}
	if cfg.MaxSessions != 1000 {
		t.Errorf("MaxSessions: got %d, want 1000", cfg.MaxSessions)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("SessionTTL: got %v, want 24h", cfg.SessionTTL)
	}
	if cfg.AuditQueueSize != 1000 {
		t.Errorf("AuditQueueSize: got %d, want 1000", cfg.AuditQueueSize)
	}
	if cfg.StreamingBufferSize != 256 {
		t.Errorf("StreamingBufferSize: got %d, want 256", cfg.StreamingBufferSize)
	}
	if cfg.HotCacheCapacity != 4096 {
		t.Errorf("HotCacheCapacity: got %d, want 4096", cfg.HotCacheCapacity)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maskvault-config.json")
	body := `{"vaultPath":"/data/vault.db","logLevel":"debug","maxSessions":42}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := defaults()
	loadFile(cfg, path)

	if cfg.VaultPath != "/data/vault.db" {
		t.Errorf("VaultPath: got %s", cfg.VaultPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.MaxSessions != 42 {
		t.Errorf("MaxSessions: got %d, want 42", cfg.MaxSessions)
	}
	// Fields absent from the file keep their defaults.
	if cfg.StreamingBufferSize != 256 {
		t.Errorf("StreamingBufferSize: got %d, want 256 (unset in file)", cfg.StreamingBufferSize)
	}
}

func TestLoadFileMissingIsOptional(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, filepath.Join(t.TempDir(), "does-not-exist.json"))
	if cfg.VaultPath != "maskvault-vault.db" {
		t.Errorf("expected defaults to survive a missing config file")
	}
}

func TestLoadFileMalformedIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := defaults()
	loadFile(cfg, path)
	if cfg.VaultPath != "maskvault-vault.db" {
		t.Errorf("expected defaults to survive a malformed config file")
	}
}

func TestLoadEnvOverridesEverything(t *testing.T) {
	t.Setenv("MASTER_KEY", "supersecretmasterkey")
	t.Setenv("VAULT_PATH", "/tmp/env-vault.db")
	t.Setenv("AUDIT_KEY", "env-audit-key")
	t.Setenv("AUDIT_LOG_DIR", "/tmp/audit")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ADMIN_ADDRESS", "0.0.0.0:9000")
	t.Setenv("ADMIN_TOKEN", "env-token")
	t.Setenv("MIN_CONFIDENCE", "0.5")
	t.Setenv("MAX_SESSIONS", "7")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("AUDIT_QUEUE_SIZE", "50")
	t.Setenv("RETENTION_MAX_MB", "10")
	t.Setenv("RETENTION_MAX_AGE", "24h")
	t.Setenv("STREAMING_BUFFER_SIZE", "64")
	t.Setenv("HOT_CACHE_CAPACITY", "0")

	cfg := defaults()
	loadEnv(cfg)

	if cfg.MasterKey != "supersecretmasterkey" {
		t.Errorf("MasterKey not loaded from env")
	}
	if cfg.VaultPath != "/tmp/env-vault.db" {
		t.Errorf("VaultPath: got %s", cfg.VaultPath)
	}
	if cfg.AuditKey != "env-audit-key" {
		t.Errorf("AuditKey not loaded from env")
	}
	if cfg.AuditLogDir != "/tmp/audit" {
		t.Errorf("AuditLogDir: got %s", cfg.AuditLogDir)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.AdminAddress != "0.0.0.0:9000" {
		t.Errorf("AdminAddress: got %s", cfg.AdminAddress)
	}
	if cfg.AdminToken != "env-token" {
		t.Errorf("AdminToken not loaded from env")
	}
	if cfg.MinConfidence != 0.5 {
		t.Errorf("MinConfidence: got %f, want 0.5", cfg.MinConfidence)
	}
	if cfg.MaxSessions != 7 {
		t.Errorf("MaxSessions: got %d, want 7", cfg.MaxSessions)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL: got %v, want 1h", cfg.SessionTTL)
	}
	if cfg.AuditQueueSize != 50 {
		t.Errorf("AuditQueueSize: got %d, want 50", cfg.AuditQueueSize)
	}
	if cfg.RetentionMaxMB != 10 {
		t.Errorf("RetentionMaxMB: got %d, want 10", cfg.RetentionMaxMB)
	}
	if cfg.RetentionMaxAge != 24*time.Hour {
		t.Errorf("RetentionMaxAge: got %v, want 24h", cfg.RetentionMaxAge)
	}
	if cfg.StreamingBufferSize != 64 {
		t.Errorf("StreamingBufferSize: got %d, want 64", cfg.StreamingBufferSize)
	}
	if cfg.HotCacheCapacity != 0 {
		t.Errorf("HotCacheCapacity: got %d, want 0", cfg.HotCacheCapacity)
	}
}

func TestSecretFieldsNeverSerialize(t *testing.T) {
	cfg := defaults()
	cfg.MasterKey = "leaked-if-serialized"
	cfg.AuditKey = "also-leaked-if-serialized"
	cfg.AdminToken = "token-leaked-if-serialized"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, secret := range []string{"leaked-if-serialized", "also-leaked-if-serialized", "token-leaked-if-serialized"} {
		if strings.Contains(s, secret) {
			t.Errorf("serialized config leaked secret field: %s", secret)
		}
	}
}
