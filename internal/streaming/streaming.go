// Package streaming wraps the detector and tokenizer for chunked input,
// per §4.5: a bounded trailing buffer holds back the tail of each round's
// masked output so a pattern whose tail lands in the next chunk is
// re-scanned rather than missed at a chunk boundary, while already-masked
// tokens in the held-back tail are never re-detected (tokens do not match
// any registered pattern).
//
// Grounded on the teacher's StreamingDeanonymize SSE token-reassembly
// logic (internal/anonymizer/anonymizer.go) for the buffer-and-flush
// shape, rebuilt against this spec's mask-direction chunk coordinator
// rather than the teacher's unmask-direction SSE token splicer.
package streaming

import (
	"sort"

	"github.com/relaysentry/maskvault/internal/detector"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/tokenizer"
)

// DefaultBufferSize is the trailing-buffer width from §4.5.
const DefaultBufferSize = 256

// Coordinator buffers chunk arrivals for one session's ingress stream.
type Coordinator struct {
	tokenizer  *tokenizer.Tokenizer
	detector   *detector.Detector
	sessionID  string
	bufferSize int
	buffer     string
	metrics    *metrics.Metrics
}

// Option configures New.
type Option func(*Coordinator)

// WithMetrics attaches a counter sink bumped once per processed chunk.
// Omit to run without metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator bound to one session. bufferSize <= 0 falls
// back to DefaultBufferSize.
func New(tk *tokenizer.Tokenizer, det *detector.Detector, sessionID string, bufferSize int, opts ...Option) *Coordinator {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	c := &Coordinator{tokenizer: tk, detector: det, sessionID: sessionID, bufferSize: bufferSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessChunk masks the combination of any retained buffer and chunk,
// emits the portion of the masked result that will not be re-scanned,
// and retains the rest as the new buffer. On endOfStream the entire
// masked result is emitted and the buffer is reset.
func (c *Coordinator) ProcessChunk(chunk string, endOfStream bool) (string, error) {
	if c.metrics != nil {
		c.metrics.ChunksProcessed.Add(1)
	}
	combined := c.buffer + chunk

	detections, err := c.detector.Detect(combined)
	if err != nil {
		return "", err
	}

	masked, err := c.maskDetections(combined, detections)
	if err != nil {
		return "", err
	}

	if endOfStream {
		c.buffer = ""
		return masked, nil
	}

	runes := []rune(masked)
	retain := c.bufferSize
	if retain > len(runes) {
		retain = len(runes)
	}
	emit := string(runes[:len(runes)-retain])
	c.buffer = string(runes[len(runes)-retain:])
	return emit, nil
}

// maskDetections replaces each non-overlapping detected span in text with
// its token, in ascending start order. Detections from different patterns
// may overlap (§4.1); the first (lowest-start) span wins and later
// overlapping spans are skipped for this pass — they are safe to miss
// here only because the same span will be re-detected, unmasked by its
// covering span's token, in a later round if it recurs outside the
// covering match (policy resolution of cross-pattern overlap is a
// downstream concern this coordinator does not own).
func (c *Coordinator) maskDetections(text string, detections []detector.Detection) (string, error) {
	sort.SliceStable(detections, func(i, j int) bool { return detections[i].Start < detections[j].Start })

	var out []byte
	cursor := 0
	for _, d := range detections {
		if d.Start < cursor {
			continue // overlaps a span already consumed
		}
		out = append(out, text[cursor:d.Start]...)

		token, err := c.tokenizer.Tokenize(d.Match, string(d.Type), c.sessionID)
		if err != nil {
			return "", err
		}
		out = append(out, token...)
		cursor = d.End
	}
	out = append(out, text[cursor:]...)
	return string(out), nil
}

// Reset clears any retained buffer, for reuse across an unrelated stream
// on the same session.
func (c *Coordinator) Reset() {
	c.buffer = ""
}
