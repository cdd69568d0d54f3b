package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaysentry/maskvault/internal/metrics"
)

func openTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, []byte("audit-signing-key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAssignsMonotonicSequence(t *testing.T) {
	l := openTestLogger(t)

	e1, err := l.Log(Request{Operation: OpMask, SessionID: "s1", Level: LevelInfo, Success: true})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	e2, err := l.Log(Request{Operation: OpUnmask, SessionID: "s1", Level: LevelInfo, Success: true})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("sequences = %d, %d; want 1, 2", e1.Sequence, e2.Sequence)
	}
	if e1.Signature == "" || e2.Signature == "" {
		t.Fatal("expected a non-empty signature on every entry")
	}
}

func TestSequenceRecoveredAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l1, err := Open(path, []byte("k"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l1.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l1.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, []byte("k"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l2.Close()

	e3, err := l2.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if e3.Sequence != 3 {
		t.Fatalf("sequence = %d, want 3 (recovered from prior file)", e3.Sequence)
	}
}

func TestDetailsNeverCarryPlaintext(t *testing.T) {
	l := openTestLogger(t)

	e, err := l.Log(Request{
		Operation: OpMask,
		SessionID: "s1",
		Level:     LevelInfo,
		Success:   true,
		Details:   map[string]any{"category": "PII", "tokenCount": 1},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "alice@example.com") {
		t.Fatal("serialized entry must never contain the original value")
	}
}

func TestVerifyDetectsTamperedSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, []byte("k"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte in the second line's signature field.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	corrupted := []byte(e.Signature)
	corrupted[0] ^= 0xFF
	e.Signature = string(corrupted)
	tampered, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lines[1] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l2, err := Open(path, []byte("k"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l2.Close()

	result, err := l2.Verify(Filter{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected Valid=false after tampering with a signature")
	}
	if len(result.InvalidSignatures) != 1 || result.InvalidSignatures[0] != 2 {
		t.Fatalf("InvalidSignatures = %v, want [2]", result.InvalidSignatures)
	}
}

func TestVerifyCleanLogIsValid(t *testing.T) {
	l := openTestLogger(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	result, err := l.Verify(Filter{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected a clean log to verify, got %+v", result)
	}
}

func TestQueryFiltersByOperationAndSession(t *testing.T) {
	l := openTestLogger(t)
	if _, err := l.Log(Request{Operation: OpMask, SessionID: "s1", Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l.Log(Request{Operation: OpUnmask, SessionID: "s1", Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l.Log(Request{Operation: OpMask, SessionID: "s2", Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	out, err := l.Query(Filter{SessionID: "s1", Operations: []Operation{OpMask}}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != "s1" || out[0].Operation != OpMask {
		t.Fatalf("unexpected query result: %+v", out)
	}
}

func TestStatsComputesSuccessRate(t *testing.T) {
	l := openTestLogger(t)
	if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l.Log(Request{Operation: OpMask, Level: LevelError, Success: false}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	stats, err := l.Stats(Filter{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.SuccessCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}
}

func TestTailReturnsLastN(t *testing.T) {
	l := openTestLogger(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	out, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(out) != 2 || out[0].Sequence != 4 || out[1].Sequence != 5 {
		t.Fatalf("unexpected tail: %+v", out)
	}
}

func TestTailToleratesMissingFile(t *testing.T) {
	l := openTestLogger(t)
	if err := os.Remove(l.path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	out, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail on missing file should not error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no entries, got %d", len(out))
	}
}

func TestExportJSON(t *testing.T) {
	l := openTestLogger(t)
	if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	var buf bytes.Buffer
	if err := l.Export(&buf, Filter{}, "json"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty export")
	}
}

func TestFollowDeliversNewEntries(t *testing.T) {
	l := openTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := l.Follow(ctx, Filter{}, 10*time.Millisecond)

	if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	select {
	case e := <-ch:
		if e.Sequence != 1 {
			t.Fatalf("sequence = %d, want 1", e.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for followed entry")
	}
}

func TestLogRecordsWriteMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	m := metrics.New()
	l, err := Open(path, []byte("k"), WithMetrics(m))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l.Log(Request{Operation: OpUnmask, Level: LevelInfo, Success: true}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	if got := m.AuditWrites.Load(); got != 2 {
		t.Errorf("AuditWrites: got %d, want 2", got)
	}
}

func TestLogUnderTightQueueBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, []byte("k"), WithQueueSize(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	// The queue bound is small; this does not deterministically force
	// QueueFull (the writer goroutine usually drains faster than this
	// loop can fill it), but it exercises the admission path without
	// crashing under a tight bound.
	for i := 0; i < 5; i++ {
		if _, err := l.Log(Request{Operation: OpMask, Level: LevelInfo, Success: true}); err != nil {
			break
		}
	}
}
