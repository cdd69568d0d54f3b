// Command maskguard runs the mask/unmask core as a long-lived process: it
// opens the vault and audit log, wires the hook pipeline an agent runtime
// is expected to call, and exposes the admin/introspection HTTP surface
// over audit and vault operations (§4.4/§4.7 supplement). It does not
// terminate TLS or intercept live agent traffic itself (§1 places the
// host agent runtime out of scope) — the hook pipeline here exists for
// demonstration and integration testing of the three callbacks a real
// runtime would invoke.
//
// Usage:
//
//	MASTER_KEY=... AUDIT_KEY=... ./maskguard
//
//	# Custom paths and admin port
//	VAULT_PATH=/data/vault.db AUDIT_LOG_DIR=/data ADMIN_ADDRESS=:9443 ./maskguard
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relaysentry/maskvault/internal/admin"
	"github.com/relaysentry/maskvault/internal/audit"
	"github.com/relaysentry/maskvault/internal/config"
	"github.com/relaysentry/maskvault/internal/detector"
	"github.com/relaysentry/maskvault/internal/hooks"
	"github.com/relaysentry/maskvault/internal/logger"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/pattern"
	"github.com/relaysentry/maskvault/internal/session"
	"github.com/relaysentry/maskvault/internal/tokenizer"
	"github.com/relaysentry/maskvault/internal/vault"
)

func main() {
	cfg := config.Load()

	if cfg.MasterKey == "" {
		log.Fatal("[MASKGUARD] Fatal: MASTER_KEY is required")
	}
	if cfg.AuditKey == "" {
		log.Fatal("[MASKGUARD] Fatal: AUDIT_KEY is required")
	}

	printBanner(cfg)

	m := metrics.New()

	v, err := vault.Open(cfg.VaultPath, []byte(cfg.MasterKey),
		vault.WithHotCacheCapacity(cfg.HotCacheCapacity),
		vault.WithLogger(logger.New("VAULT", cfg.LogLevel)),
		vault.WithMetrics(m),
	)
	if err != nil {
		log.Fatalf("[MASKGUARD] Fatal: open vault: %v", err)
	}
	defer func() {
		if err := v.Close(); err != nil {
			log.Printf("[MASKGUARD] Vault close error: %v", err)
		}
	}()

	auditPath := filepath.Join(cfg.AuditLogDir, "audit.jsonl")
	auditLog, err := audit.Open(auditPath, []byte(cfg.AuditKey),
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithLogger(logger.New("AUDIT", cfg.LogLevel)),
		audit.WithMetrics(m),
	)
	if err != nil {
		log.Fatalf("[MASKGUARD] Fatal: open audit log: %v", err)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Printf("[MASKGUARD] Audit log close error: %v", err)
		}
	}()

	sessions := session.New(cfg.MaxSessions, cfg.SessionTTL)
	det := detector.New(cfg.MinConfidence, detector.WithMetrics(m))
	tok := tokenizer.New(sessions, v, auditLog, pattern.Default(), cfg.DefaultTTL, tokenizer.WithMetrics(m))
	pipeline := hooks.New(det, tok, hooks.WithLogger(logger.New("HOOKS", cfg.LogLevel)))

	stopRetention := startRetentionLoop(auditLog, cfg)
	defer stopRetention()

	adminSrv := admin.New(cfg.AdminAddress, cfg.AdminToken, auditLog, v,
		admin.WithMetrics(m),
		admin.WithHooks(pipeline),
		admin.WithLogger(logger.New("ADMIN", cfg.LogLevel)),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- adminSrv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Printf("[MASKGUARD] Shutting down…")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(ctx); err != nil {
			log.Printf("[MASKGUARD] Admin server shutdown error: %v", err)
		}
	case err := <-errCh:
		log.Fatalf("[MASKGUARD] Fatal: admin server: %v", err)
	}
}

// startRetentionLoop periodically applies the audit log's retention
// policy (§4.4) on a background ticker, stopping when the returned func
// is called.
func startRetentionLoop(auditLog *audit.Logger, cfg *config.Config) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(time.Hour)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := auditLog.ApplyRetentionPolicy(cfg.RetentionMaxMB<<20, cfg.RetentionMaxAge)
				if err != nil {
					log.Printf("[MASKGUARD] Retention error: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("[MASKGUARD] Retention removed %d audit entries", removed)
				}
			}
		}
	}()

	return cancel
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                    maskguard (Go)                     ║
╚══════════════════════════════════════════════════════╝
  Vault path      : %s
  Audit log dir   : %s
  Admin address   : %s
  Min confidence  : %.2f
  Max sessions    : %d
  Session TTL     : %s

  Check status:
    curl http://%s/status
`, cfg.VaultPath, cfg.AuditLogDir, cfg.AdminAddress, cfg.MinConfidence,
		cfg.MaxSessions, cfg.SessionTTL, cfg.AdminAddress)
}
