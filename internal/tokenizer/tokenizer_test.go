package tokenizer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysentry/maskvault/internal/audit"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/pattern"
	"github.com/relaysentry/maskvault/internal/session"
	"github.com/relaysentry/maskvault/internal/vault"
)

func newTestTokenizer(t *testing.T) (*Tokenizer, *session.Registry) {
	t.Helper()
	dir := t.TempDir()

	v, err := vault.Open(filepath.Join(dir, "vault.db"), []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	al, err := audit.Open(filepath.Join(dir, "audit.jsonl"), []byte("audit-key"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	sessions := session.New(0, 0)
	tk := New(sessions, v, al, pattern.Default(), 0)
	return tk, sessions
}

func TestTokenizeDetokenizeRoundTrip(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, err := sessions.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	token, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if !tokenPattern.MatchString(token) {
		t.Fatalf("token %q does not match the wire grammar", token)
	}

	got, err := tk.Detokenize(token, sess.ID)
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if got != "alice@example.com" {
		t.Fatalf("got %q, want alice@example.com", got)
	}
}

func TestTokenizeDetokenizeRecordMetrics(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(filepath.Join(dir, "vault.db"), []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	al, err := audit.Open(filepath.Join(dir, "audit.jsonl"), []byte("audit-key"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	m := metrics.New()
	sessions := session.New(0, 0)
	tk := New(sessions, v, al, pattern.Default(), 0, WithMetrics(m))
	sess, err := sessions.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	token, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if _, err := tk.Detokenize(token, sess.ID); err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if _, err := tk.Detokenize("EMAIL_deadbeef", sess.ID); err == nil {
		t.Fatal("expected an error for an unresolvable token")
	}

	snap := m.Snapshot()
	if snap.Tokenizer.TokenizeCalls != 1 {
		t.Errorf("TokenizeCalls: got %d, want 1", snap.Tokenizer.TokenizeCalls)
	}
	if snap.Tokenizer.DetokenizeCalls != 1 {
		t.Errorf("DetokenizeCalls: got %d, want 1", snap.Tokenizer.DetokenizeCalls)
	}
	if snap.Tokenizer.DetokenizeErrors != 1 {
		t.Errorf("DetokenizeErrors: got %d, want 1", snap.Tokenizer.DetokenizeErrors)
	}
	if snap.Latency.TokenizeMs.Count != 3 {
		t.Errorf("TokenizeMs.Count: got %d, want 3 (tokenize + 2 detokenize calls share the latency bucket)", snap.Latency.TokenizeMs.Count)
	}
}

func TestTokenizeIsDeterministicWithinSession(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	t1, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	t2, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if t1 != t2 {
		t.Fatalf("same value in the same session produced different tokens: %q vs %q", t1, t2)
	}
}

func TestTokenizeDiffersAcrossSessions(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	s1, _ := sessions.Generate()
	s2, _ := sessions.Generate()

	t1, err := tk.Tokenize("user@example.com", "EMAIL", s1.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	t2, err := tk.Tokenize("user@example.com", "EMAIL", s2.ID)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if t1 == t2 {
		t.Fatal("cross-session tokenization should yield independent tokens")
	}
}

func TestTokenizeRejectsEmptyValue(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	if _, err := tk.Tokenize("", "EMAIL", sess.ID); err == nil {
		t.Fatal("expected an error for an empty value")
	}
}

func TestTokenizeRejectsInvalidSession(t *testing.T) {
	tk, _ := newTestTokenizer(t)

	if _, err := tk.Tokenize("alice@example.com", "EMAIL", "no-such-session"); err == nil {
		t.Fatal("expected an error for a missing session")
	}
}

func TestDetokenizeRejectsMalformedToken(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	if _, err := tk.Detokenize("not-a-token", sess.ID); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestDetokenizeRejectsUnknownType(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	if _, err := tk.Detokenize("BOGUSTYPE_deadbeef", sess.ID); err == nil {
		t.Fatal("expected an error for an unregistered token type")
	}
}

func TestDetokenizeNotFound(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	if _, err := tk.Detokenize("EMAIL_deadbeef", sess.ID); err == nil {
		t.Fatal("expected TokenNotFound for a token never stored")
	}
}

func TestTokenizeBatchPreservesOrderAndDedups(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	tokens, err := tk.TokenizeBatch([]string{"a@example.com", "b@example.com", "a@example.com"}, "EMAIL", sess.ID)
	if err != nil {
		t.Fatalf("TokenizeBatch: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(tokens))
	}
	if tokens[0] != tokens[2] {
		t.Fatalf("duplicate values should yield the same token: %q vs %q", tokens[0], tokens[2])
	}
	if tokens[0] == tokens[1] {
		t.Fatal("distinct values should yield distinct tokens")
	}
}

func TestIsValidToken(t *testing.T) {
	tk, _ := newTestTokenizer(t)

	cases := []struct {
		token string
		want  bool
	}{
		{"EMAIL_deadbeef", true},
		{"email_DEADBEEF", true},
		{"EMAIL_deadbee", false},   // suffix too short
		{"EMAIL_deadbeefX", false}, // extra char
		{"BOGUS_deadbeef", false},  // unregistered type
		{"NOTATOKEN", false},
	}
	for _, c := range cases {
		if got := tk.IsValidToken(c.token); got != c.want {
			t.Errorf("IsValidToken(%q) = %v, want %v", c.token, got, c.want)
		}
	}
}

func TestClearSessionInvalidatesFurtherTokenize(t *testing.T) {
	tk, sessions := newTestTokenizer(t)
	sess, _ := sessions.Generate()

	tk.ClearSession(sess.ID)

	if _, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID); err == nil {
		t.Fatal("expected tokenize to fail after clearing the session")
	}
}

func TestSessionExpiryRejectsTokenize(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(filepath.Join(dir, "vault.db"), []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	defer v.Close()
	al, err := audit.Open(filepath.Join(dir, "audit.jsonl"), []byte("audit-key"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer al.Close()

	sessions := session.New(0, time.Nanosecond)
	tk := New(sessions, v, al, pattern.Default(), 0)

	sess, err := sessions.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := tk.Tokenize("alice@example.com", "EMAIL", sess.ID); err == nil {
		t.Fatal("expected tokenize to fail for an expired session")
	}
}
