package hooks

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/audit"
	"github.com/relaysentry/maskvault/internal/detector"
	"github.com/relaysentry/maskvault/internal/pattern"
	"github.com/relaysentry/maskvault/internal/session"
	"github.com/relaysentry/maskvault/internal/tokenizer"
	"github.com/relaysentry/maskvault/internal/vault"
)

func newTestPipeline(t *testing.T) *Pipeline {
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
	tok := tokenizer.New(sessions, v, al, pattern.Default(), 0)
	det := detector.New(0)
	return New(det, tok)
}

func TestBeforeAgentStartMasksEmail(t *testing.T) {
	p := newTestPipeline(t)

	masked, sessionID, err := p.BeforeAgentStart("contact me at alice@example.com", "")
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a generated session id")
	}
	want := regexp.MustCompile(`^contact me at EMAIL_[0-9a-f]{8}$`)
	if !want.MatchString(masked) {
		t.Fatalf("masked text %q does not match expected shape", masked)
	}
}

func TestMessageSendingRestoresToken(t *testing.T) {
	p := newTestPipeline(t)

	masked, sessionID, err := p.BeforeAgentStart("email alice@example.com please", "")
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}

	restored, err := p.MessageSending(masked, sessionID)
	if err != nil {
		t.Fatalf("MessageSending: %v", err)
	}
	if restored != "email alice@example.com please" {
		t.Fatalf("got %q, want original text restored", restored)
	}
}

func TestMessageSendingUnknownTokenFails(t *testing.T) {
	p := newTestPipeline(t)

	_, sessionID, err := p.BeforeAgentStart("hello", "")
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}

	_, err = p.MessageSending("see EMAIL_deadbeef here", sessionID)
	if err == nil {
		t.Fatal("expected an error for an unresolvable token")
	}
	if !apperrors.Is(err, apperrors.TokenNotFound) {
		t.Errorf("expected TokenNotFound for a genuinely absent token, got %v", err)
	}
}

func TestMessageSendingOtherFailureSurfacesAsDetokenizationError(t *testing.T) {
	p := newTestPipeline(t)

	masked, sessionID, err := p.BeforeAgentStart("alice@example.com", "")
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}
	p.AgentEnd(sessionID)

	_, err = p.MessageSending(masked, sessionID)
	if err == nil {
		t.Fatal("expected an error after session teardown")
	}
	if apperrors.Is(err, apperrors.TokenNotFound) {
		t.Error("a torn-down session should not look like a not-found token")
	}
	if !apperrors.Is(err, apperrors.DetokenizationError) {
		t.Errorf("expected DetokenizationError for a non-not-found detokenize failure, got %v", err)
	}
}

func TestAgentEndClearsSession(t *testing.T) {
	p := newTestPipeline(t)

	masked, sessionID, err := p.BeforeAgentStart("alice@example.com", "")
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}

	p.AgentEnd(sessionID)

	if _, err := p.MessageSending(masked, sessionID); err == nil {
		t.Fatal("expected detokenize to fail after session end")
	}
}

func TestBeforeAgentStartReusesProvidedSession(t *testing.T) {
	p := newTestPipeline(t)

	sess, err := p.tokenizer.GenerateSession()
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}

	_, sessionID, err := p.BeforeAgentStart("alice@example.com", sess.ID)
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}
	if sessionID != sess.ID {
		t.Fatalf("got session %q, want reused %q", sessionID, sess.ID)
	}
}
