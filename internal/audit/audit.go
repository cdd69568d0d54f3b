// Package audit implements the append-only, HMAC-signed, monotonically
// sequenced ledger described in §4.4: every mask/unmask/vault/gdpr
// decision is recorded as one signed JSON line, admitted through a
// bounded single-writer queue so a slow disk never blocks a caller past
// the bound before failing fast.
//
// Grounded on the tamper-evident hash-chain shape from
// Mike-Gemutly-ArmorClaw's bridge audit package (monotonic sequence,
// recovery of the last sequence on open) combined with the canonical
// pipe-joined HMAC signing convention from arimxyer-pass-cli's
// internal/security/audit.go (Sign/Verify over a fixed field order,
// constant-time comparison). Unlike the hash-chain example this signs
// each entry independently under a shared key rather than chaining
// hashes, per spec: "signature: HMAC-SHA256 over the serialized entry
// including sequence".
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/logger"
	"github.com/relaysentry/maskvault/internal/metrics"
)

// Operation names the kind of event an entry records (§3 AuditEntry).
type Operation string

// Operation constants named in §3 and the GDPR supplement.
const (
	OpMask          Operation = "mask"
	OpUnmask        Operation = "unmask"
	OpVaultStore    Operation = "vault_store"
	OpVaultRetrieve Operation = "vault_retrieve"
	OpVaultCleanup  Operation = "vault_cleanup"
	OpGDPRExport    Operation = "gdpr_export"
	OpGDPRDelete    Operation = "gdpr_delete"
	OpCLI           Operation = "cli"
)

// Level is the severity of an audit entry.
type Level string

// Level constants named in §3.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// MaxQueueSize is the default bound on in-flight, not-yet-durable entries.
const MaxQueueSize = 1000

// Entry is one signed, sequenced audit record (§3, §6 wire format).
type Entry struct {
	Sequence   uint64         `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	SessionID  string         `json:"sessionId"`
	Level      Level          `json:"level"`
	Success    bool           `json:"success"`
	DurationMs *int64         `json:"duration,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Signature  string         `json:"signature"`
}

// canonical builds the fixed-order string signed by Sign/verifySignature.
// Details are marshaled with sorted keys (encoding/json already sorts map
// keys) so the canonical form is reproducible.
func (e *Entry) canonical() string {
	var detailsJSON string
	if e.Details != nil {
		b, _ := json.Marshal(e.Details)
		detailsJSON = string(b)
	}
	dur := ""
	if e.DurationMs != nil {
		dur = strconv.FormatInt(*e.DurationMs, 10)
	}
	return strings.Join([]string{
		strconv.FormatUint(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Operation),
		e.SessionID,
		string(e.Level),
		strconv.FormatBool(e.Success),
		dur,
	}, "|") + "|" + detailsJSON
}

func (e *Entry) sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.canonical()))
	e.Signature = hex.EncodeToString(mac.Sum(nil))
}

func (e *Entry) verifySignature(key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.canonical()))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

// Request is the caller-supplied partial entry passed to Log; Sequence,
// Timestamp, and Signature are assigned by the logger.
type Request struct {
	Operation  Operation
	SessionID  string
	Level      Level
	Success    bool
	DurationMs *int64
	Details    map[string]any
}

type job struct {
	entry Entry
	done  chan error
}

// Logger owns the audit file, the signing key, and the single background
// writer that serializes appends (§5: "the audit writer... [is a]
// cooperative task"). Construct with Open.
type Logger struct {
	path string
	key  []byte

	seqMu   sync.Mutex
	nextSeq uint64

	queue  chan job
	done   chan struct{}
	closed chan struct{}

	fileMu sync.Mutex // guards f, w against concurrent Tail/Query readers reopening
	f      *os.File
	w      *bufio.Writer

	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures Open.
type Option func(*Logger)

// WithQueueSize overrides MaxQueueSize.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan job, n)
		}
	}
}

// WithLogger attaches a module logger.
func WithLogger(lg *logger.Logger) Option {
	return func(l *Logger) { l.log = lg }
}

// WithMetrics attaches a counter sink for write and queue-full counts.
// Omit to run without metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// Open opens (creating if absent) the audit file at path with mode 0600,
// recovers the highest persisted sequence by scanning the existing
// content, and starts the background writer. key signs and verifies
// every entry.
func Open(path string, key []byte, opts ...Option) (*Logger, error) {
	if len(key) == 0 {
		return nil, apperrors.New(apperrors.Internal, "audit key must not be empty")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "open audit log file", err)
	}

	var lastSeq uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.Sequence > lastSeq {
			lastSeq = e.Sequence
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close() //nolint:errcheck
		return nil, apperrors.Wrap(apperrors.Internal, "seek audit log to end", err)
	}

	l := &Logger{
		path:    path,
		key:     append([]byte{}, key...),
		nextSeq: lastSeq + 1,
		queue:   make(chan job, MaxQueueSize),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		f:       f,
		w:       bufio.NewWriter(f),
		log:     logger.New("AUDIT", "info"),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l, nil
}

// run drains the queue on a single goroutine, writing and fsyncing one
// entry at a time, acknowledging durability to each caller.
func (l *Logger) run() {
	defer close(l.closed)
	for {
		select {
		case j, ok := <-l.queue:
			if !ok {
				return
			}
			j.done <- l.append(j.entry)
		case <-l.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case j := <-l.queue:
					j.done <- l.append(j.entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) append(e Entry) error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "marshal audit entry", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return apperrors.Wrap(apperrors.Internal, "write audit entry", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return apperrors.Wrap(apperrors.Internal, "write audit entry", err)
	}
	if err := l.w.Flush(); err != nil {
		return apperrors.Wrap(apperrors.Internal, "flush audit entry", err)
	}
	if err := l.f.Sync(); err != nil {
		return apperrors.Wrap(apperrors.Internal, "sync audit entry", err)
	}
	return nil
}

// Log assigns a sequence and timestamp to req, signs it, and admits it to
// the write queue. Admission above the queue bound fails fast with
// AuditWriteQueueFull (§7). Log blocks until the entry is durable or the
// write fails; the caller learns of durability via the returned error.
func (l *Logger) Log(req Request) (Entry, error) {
	l.seqMu.Lock()
	seq := l.nextSeq
	l.nextSeq++
	l.seqMu.Unlock()

	e := Entry{
		Sequence:   seq,
		Timestamp:  time.Now().UTC(),
		Operation:  req.Operation,
		SessionID:  req.SessionID,
		Level:      req.Level,
		Success:    req.Success,
		DurationMs: req.DurationMs,
		Details:    req.Details,
	}
	e.sign(l.key)

	done := make(chan error, 1)
	select {
	case l.queue <- job{entry: e, done: done}:
	default:
		if l.metrics != nil {
			l.metrics.AuditQueueFull.Add(1)
		}
		return Entry{}, apperrors.New(apperrors.AuditWriteQueueFull, "audit write queue is full")
	}

	if err := <-done; err != nil {
		return Entry{}, err
	}
	if l.metrics != nil {
		l.metrics.AuditWrites.Add(1)
	}
	return e, nil
}

// Close stops the background writer after draining any queued entries
// and releases the file handle.
func (l *Logger) Close() error {
	close(l.done)
	<-l.closed
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.f.Close()
}

// readAll streams every parseable line in the audit file. Malformed lines
// are skipped, matching query/verify's "drops malformed lines" contract.
func (l *Logger) readAll() ([]Entry, []int, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := l.w.Flush(); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.Internal, "flush audit log before read", err)
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, apperrors.Wrap(apperrors.Internal, "open audit log for read", err)
	}
	defer f.Close() //nolint:errcheck

	var entries []Entry
	var corruptedLines []int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			corruptedLines = append(corruptedLines, lineNo)
			continue
		}
		entries = append(entries, e)
	}
	return entries, corruptedLines, nil
}
