// Package tokenizer maps detected values to stable opaque tokens and
// back. It owns no storage of its own: the session registry supplies the
// HMAC key that makes a token deterministic within a session, and the
// vault is the only place a plaintext value is persisted. Token minting
// runs an HMAC-SHA256 over the session key rather than a process-wide
// salt, so two sessions produce independent tokens for the same value
// (they coincide only by chance in the 32-bit suffix), and tokens are reversible only through the vault, not by inspection.
package tokenizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/audit"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/pattern"
	"github.com/relaysentry/maskvault/internal/session"
	"github.com/relaysentry/maskvault/internal/vault"
)

// MaxValueLength bounds a single tokenize call.
const MaxValueLength = 10 << 20 // 10 MiB

// tokenPattern is the token wire grammar: an upper-cased type prefix
// (letters and underscores) followed by an 8-hex-digit suffix.
var tokenPattern = regexp.MustCompile(`^([A-Za-z_]+)_([0-9a-fA-F]{8})$`)

// TokenLiteralPattern is the regex hooks use to find token occurrences
// embedded in arbitrary text, e.g. while restoring an outbound message.
var TokenLiteralPattern = regexp.MustCompile(`\b([A-Z_]+_[0-9a-f]{8})\b`)

// Tokenizer binds the session registry, vault, and audit log into a
// single tokenize/detokenize boundary.
type Tokenizer struct {
	sessions   *session.Registry
	vault      *vault.Vault
	auditLog   *audit.Logger
	validTypes map[string]struct{}
	defaultTTL time.Duration
	metrics    *metrics.Metrics
}

// Option configures New.
type Option func(*Tokenizer)

// WithMetrics attaches a counter sink for tokenize/detokenize call counts,
// error counts, and latency. Omit to run without metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tokenizer) { t.metrics = m }
}

// New creates a Tokenizer. patterns supplies the registered type prefixes
// that is_valid_token accepts; defaultTTL of 0 means vault rows never
// expire by default.
func New(sessions *session.Registry, v *vault.Vault, auditLog *audit.Logger, patterns []*pattern.Pattern, defaultTTL time.Duration, opts ...Option) *Tokenizer {
	valid := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		valid[string(p.Type)] = struct{}{}
	}
	t := &Tokenizer{
		sessions:   sessions,
		vault:      v,
		auditLog:   auditLog,
		validTypes: valid,
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GenerateSession creates a new session via the underlying registry.
func (t *Tokenizer) GenerateSession() (*session.Session, error) {
	return t.sessions.Generate()
}

// Tokenize maps (value, typ, sessionID) to a stable token, persisting
// value in the vault under that token and emitting a mask audit entry.
// typ is the pattern type (e.g. "EMAIL"), used both as the token prefix
// and as the vault category.
func (t *Tokenizer) Tokenize(value, typ, sessionID string) (string, error) {
	start := time.Now()
	token, err := t.tokenize(value, typ, sessionID)
	dur := time.Since(start)
	t.emitMask(sessionID, typ, 1, err == nil, dur)
	if t.metrics != nil {
		if err != nil {
			t.metrics.TokenizeErrors.Add(1)
		} else {
			t.metrics.TokenizeCalls.Add(1)
		}
		t.metrics.RecordTokenizeLatency(dur)
	}
	return token, err
}

func (t *Tokenizer) tokenize(value, typ, sessionID string) (string, error) {
	if value == "" {
		return "", apperrors.New(apperrors.InvalidValue, "value must not be empty")
	}
	if len(value) > MaxValueLength {
		return "", apperrors.New(apperrors.ValueTooLarge, "value exceeds maximum tokenizable length")
	}

	sess, err := t.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	suffix := hmacSuffix(sess.Key, typ, value)
	token := strings.ToUpper(typ) + "_" + suffix

	if _, err := t.vault.Store(token, typ, value, t.defaultTTL); err != nil {
		return "", err
	}
	return token, nil
}

// hmacSuffix computes the first 4 bytes of HMAC-SHA256(key, type‖value),
// hex-encoded, zeroing the full digest before returning (§4.2: "the HMAC
// output is overwritten after the suffix is extracted").
func hmacSuffix(key []byte, typ, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(typ))
	mac.Write([]byte(value))
	sum := mac.Sum(nil)
	suffix := hex.EncodeToString(sum[:4])
	for i := range sum {
		sum[i] = 0
	}
	return suffix
}

// TokenizeBatch tokenizes each value in order, preserving order in the
// result; identical values under the same type and session produce
// identical tokens.
func (t *Tokenizer) TokenizeBatch(values []string, typ, sessionID string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		tok, err := t.Tokenize(v, typ, sessionID)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// Detokenize resolves token back to its original value under sessionID.
func (t *Tokenizer) Detokenize(token, sessionID string) (string, error) {
	start := time.Now()
	value, err := t.detokenize(token, sessionID)
	dur := time.Since(start)
	t.emitUnmask(sessionID, token, err == nil, dur)
	if t.metrics != nil {
		if err != nil {
			t.metrics.DetokenizeErrors.Add(1)
		} else {
			t.metrics.DetokenizeCalls.Add(1)
		}
		t.metrics.RecordTokenizeLatency(dur)
	}
	return value, err
}

func (t *Tokenizer) detokenize(token, sessionID string) (string, error) {
	typ, ok := t.tokenType(token)
	if !ok {
		return "", apperrors.New(apperrors.InvalidTokenShape, "token does not match the registered grammar")
	}

	if _, err := t.sessions.Get(sessionID); err != nil {
		return "", err
	}

	value, ok, err := t.vault.Retrieve(token, typ)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.New(apperrors.TokenNotFound, "no live vault entry for token")
	}
	return value, nil
}

// IsValidToken reports whether candidate matches the token grammar and
// its prefix names a registered pattern type.
func (t *Tokenizer) IsValidToken(candidate string) bool {
	_, ok := t.tokenType(candidate)
	return ok
}

// tokenType extracts and validates the upper-cased type prefix of a
// token, returning ok=false if the shape or prefix is unrecognized.
func (t *Tokenizer) tokenType(token string) (string, bool) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return "", false
	}
	typ := strings.ToUpper(m[1])
	if _, ok := t.validTypes[typ]; !ok {
		return "", false
	}
	return typ, true
}

// ClearSession zeroizes and drops a single session's key.
func (t *Tokenizer) ClearSession(sessionID string) {
	t.sessions.Clear(sessionID)
}

// ClearAllSessions zeroizes and drops every session.
func (t *Tokenizer) ClearAllSessions() {
	t.sessions.ClearAll()
}

func (t *Tokenizer) emitMask(sessionID, typ string, tokenCount int, success bool, dur time.Duration) {
	if t.auditLog == nil {
		return
	}
	level := audit.LevelInfo
	if !success {
		level = audit.LevelError
	}
	ms := dur.Milliseconds()
	t.auditLog.Log(audit.Request{ //nolint:errcheck
		Operation:  audit.OpMask,
		SessionID:  sessionID,
		Level:      level,
		Success:    success,
		DurationMs: &ms,
		Details:    map[string]any{"category": typ, "tokenCount": tokenCount},
	})
}

func (t *Tokenizer) emitUnmask(sessionID, token string, success bool, dur time.Duration) {
	if t.auditLog == nil {
		return
	}
	level := audit.LevelInfo
	if !success {
		level = audit.LevelError
	}
	ms := dur.Milliseconds()
	typ, _ := t.tokenType(token)
	t.auditLog.Log(audit.Request{ //nolint:errcheck
		Operation:  audit.OpUnmask,
		SessionID:  sessionID,
		Level:      level,
		Success:    success,
		DurationMs: &ms,
		Details:    map[string]any{"category": typ},
	})
}
