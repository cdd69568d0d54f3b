// Package admin provides a lightweight HTTP API for runtime inspection and
// custodial operations over the Audit Log and Vault this core owns. It is
// not the excluded CLI surface or policy engine (§1/§6): it is a thin
// transport for operations §4.4/§4.7 already specify, modeled directly on
// the teacher's internal/management server (bearer-token auth, a mux of
// narrow handlers, a JSON response helper) repointed at /audit/*,
// /vault/*, /gdpr/* instead of /domains/*.
//
// Endpoints:
//
//	GET  /status         - uptime and basic health
//	GET  /metrics        - JSON metrics snapshot
//	GET  /audit/query    - filtered audit entries
//	GET  /audit/stats    - aggregate audit statistics
//	GET  /audit/verify   - tamper/gap verification report
//	GET  /audit/tail     - last n audit entries
//	GET  /audit/follow   - long-lived streaming tail (h2-friendly)
//	POST /vault/backup   - write a vault snapshot to the response body
//	POST /vault/restore  - restore a vault snapshot from the request body
//	POST /vault/repair   - run vault structural repair
//	POST /gdpr/export    - export every row for a token
//	POST /gdpr/delete    - delete every row for a token
//	POST /hooks/before-agent-start - mask a prompt, demonstrating §4.6
//	POST /hooks/message-sending    - restore tokens in an outbound message
//	POST /hooks/agent-end          - tear down a session's tokenizer state
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/audit"
	"github.com/relaysentry/maskvault/internal/hooks"
	"github.com/relaysentry/maskvault/internal/logger"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/vault"
)

// Server is the admin API server.
type Server struct {
	addr      string
	token     string // bearer token for auth; empty = no auth
	startTime time.Time
	auditLog  *audit.Logger
	vault     *vault.Vault
	metrics   *metrics.Metrics // nil = no metrics
	hooks     *hooks.Pipeline  // nil = hook demonstration endpoints disabled
	log       *logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

// Option configures New.
type Option func(*Server)

// WithMetrics attaches a metrics snapshot source.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHooks exposes the three §4.6 callbacks as POST endpoints, so an
// operator can exercise mask/unmask/teardown without a host agent runtime
// in front of this process.
func WithHooks(p *hooks.Pipeline) Option {
	return func(s *Server) { s.hooks = p }
}

// WithLogger attaches a module logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates an admin server bound to an audit log and vault. addr is the
// listen address (e.g. "127.0.0.1:8443"); token, if non-empty, gates every
// endpoint behind a Bearer check.
func New(addr, token string, auditLog *audit.Logger, v *vault.Vault, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		token:     token,
		startTime: time.Now(),
		auditLog:  auditLog,
		vault:     v,
		log:       logger.New("ADMIN", "info"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/audit/query", s.handleAuditQuery)
	mux.HandleFunc("/audit/stats", s.handleAuditStats)
	mux.HandleFunc("/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("/audit/tail", s.handleAuditTail)
	mux.HandleFunc("/audit/follow", s.handleAuditFollow)
	mux.HandleFunc("/vault/backup", s.handleVaultBackup)
	mux.HandleFunc("/vault/restore", s.handleVaultRestore)
	mux.HandleFunc("/vault/repair", s.handleVaultRepair)
	mux.HandleFunc("/gdpr/export", s.handleGDPRExport)
	mux.HandleFunc("/gdpr/delete", s.handleGDPRDelete)
	if s.hooks != nil {
		mux.HandleFunc("/hooks/before-agent-start", s.handleHooksBeforeAgentStart)
		mux.HandleFunc("/hooks/message-sending", s.handleHooksMessageSending)
		mux.HandleFunc("/hooks/agent-end", s.handleHooksAgentEnd)
	}
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{SessionID: q.Get("sessionId")}
	if lvl := q.Get("level"); lvl != "" {
		filter.Level = audit.Level(lvl)
	}
	if ops := q.Get("operations"); ops != "" {
		for _, op := range strings.Split(ops, ",") {
			filter.Operations = append(filter.Operations, audit.Operation(op))
		}
	}
	if cats := q.Get("categories"); cats != "" {
		filter.Categories = strings.Split(cats, ",")
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	entries, err := s.auditLog.Query(filter, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{SessionID: r.URL.Query().Get("sessionId")}
	stats, err := s.auditLog.Stats(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	result, err := s.auditLog.Verify(audit.Filter{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries, err := s.auditLog.Tail(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAuditFollow streams newly appended audit entries as they arrive,
// one JSON object per line, until the client disconnects. This is the
// long-lived connection that benefits from HTTP/2 multiplexing the way
// cmd/maskguard configures the admin *http.Server for h2.
func (s *Server) handleAuditFollow(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ch := s.auditLog.Follow(r.Context(), audit.Filter{}, 250*time.Millisecond)
	enc := json.NewEncoder(w)
	for entry := range ch {
		if err := enc.Encode(entry); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleVaultBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since: must be RFC3339", http.StatusBadRequest)
			return
		}
		since = &t
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.vault.Backup(w, since); err != nil {
		s.log.Errorf("vault_backup", "%v", err)
	}
}

func (s *Server) handleVaultRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	mode := vault.RestoreFailIfExists
	switch r.URL.Query().Get("mode") {
	case "force":
		mode = vault.RestoreForce
	case "merge":
		mode = vault.RestoreMerge
	}
	count, err := s.vault.Restore(r.Body, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": count})
}

func (s *Server) handleVaultRepair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.vault.Repair()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleGDPRExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, `invalid request: need {"token":"..."}`, http.StatusBadRequest)
		return
	}
	records, err := s.vault.ExportByToken(req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logGDPR(audit.OpGDPRExport, req.Token, len(records))
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGDPRDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, `invalid request: need {"token":"..."}`, http.StatusBadRequest)
		return
	}
	removed, err := s.vault.DeleteByToken(req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logGDPR(audit.OpGDPRDelete, req.Token, removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type beforeAgentStartRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleHooksBeforeAgentStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req beforeAgentStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `invalid request: need {"prompt":"...","sessionId":"..."}`, http.StatusBadRequest)
		return
	}
	masked, sessionID, err := s.hooks.BeforeAgentStart(req.Prompt, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"masked": masked, "sessionId": sessionID})
}

type messageSendingRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleHooksMessageSending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req messageSendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `invalid request: need {"content":"...","sessionId":"..."}`, http.StatusBadRequest)
		return
	}
	restored, err := s.hooks.MessageSending(req.Content, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"restored": restored})
}

type agentEndRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleHooksAgentEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req agentEndRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `invalid request: need {"sessionId":"..."}`, http.StatusBadRequest)
		return
	}
	s.hooks.AgentEnd(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// logGDPR emits an audit entry for a GDPR operation. Per §3's privacy
// contract, details never carry the token or value itself — only the
// row count affected.
func (s *Server) logGDPR(op audit.Operation, _ string, count int) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Log(audit.Request{
		Operation: op,
		Level:     audit.LevelInfo,
		Success:   true,
		Details:   map[string]any{"rowCount": count},
	}); err != nil {
		s.log.Errorf("gdpr_audit", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ADMIN] json encode error: %v", err)
	}
}

// writeError maps an apperrors.Error kind to an HTTP status and writes it
// as a JSON error body. Error payloads never carry plaintext values per §7.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apperrors.Error
	if e, ok := err.(*apperrors.Error); ok {
		ae = e
		switch ae.Kind {
		case apperrors.InvalidValue, apperrors.InvalidTokenShape, apperrors.InputTooLarge, apperrors.ValueTooLarge:
			status = http.StatusBadRequest
		case apperrors.InvalidSession, apperrors.AuditIntegrityFailure:
			status = http.StatusUnauthorized
		case apperrors.TokenNotFound, apperrors.NotFound:
			status = http.StatusNotFound
		case apperrors.DetokenizationError:
			status = http.StatusUnprocessableEntity
		case apperrors.AuditWriteQueueFull:
			status = http.StatusServiceUnavailable
		case apperrors.EncryptionFailure, apperrors.VaultCorruption:
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListenAndServe starts the admin HTTP server, configuring it for HTTP/2
// so long-lived endpoints like /audit/follow can multiplex over a single
// connection the same way the teacher's MITM layer negotiates h2 for
// intercepted connections. Falls back to HTTP/1.1 if h2 configuration
// fails.
func (s *Server) ListenAndServe() error {
	s.log.Infof("listen", "admin API listening on %s", s.addr)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		s.log.Warnf("listen", "http2 configuration failed, falling back to h1: %v", err)
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin server, waiting for in-flight
// requests (including /audit/follow streams) to finish or ctx to expire.
// A no-op if the server was never started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
