// Package detector scans text for sensitive substrings using the pattern
// table in internal/pattern, producing ordered, deduplicated, confidence-
// scored matches. It is the first stage of the mask pipeline.
package detector

import (
	"sort"
	"strconv"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/metrics"
	"github.com/relaysentry/maskvault/internal/pattern"
)

// MaxInputLength bounds a single Detect call. Inputs larger than this fail
// with apperrors.InputTooLarge rather than being scanned.
const MaxInputLength = 1 << 20 // 1 MiB

// MinConfidence is the default floor below which a match is dropped.
const MinConfidence = 0.0

// Detection is a single located, categorized match.
type Detection struct {
	Category   pattern.Category
	Type       pattern.Type
	Match      string
	Start      int
	End        int
	Confidence float64
}

// Detector holds the compiled pattern table and the confidence floor below
// which matches are discarded.
type Detector struct {
	patterns      []*pattern.Pattern
	minConfidence float64
	metrics       *metrics.Metrics
}

// Option configures New/NewWithPatterns.
type Option func(*Detector)

// WithMetrics attaches a counter sink; each surfaced Detection bumps the
// per-type counter. Omit to run without metrics (the zero value is nil-safe).
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// New creates a Detector with the default pattern table and the given
// minimum confidence floor.
func New(minConfidence float64, opts ...Option) *Detector {
	d := &Detector{patterns: pattern.Default(), minConfidence: minConfidence}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewWithPatterns creates a Detector over an explicit pattern table, for
// tests and callers that want a reduced or extended set.
func NewWithPatterns(patterns []*pattern.Pattern, minConfidence float64, opts ...Option) *Detector {
	d := &Detector{patterns: patterns, minConfidence: minConfidence}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect scans text and returns ordered, deduplicated Detections. Matches
// within each pattern are non-overlapping; matches from different patterns
// may overlap — resolving that overlap is a policy concern outside this
// package. The result is sorted by Start ascending; ties preserve the
// order patterns were registered in, then match order within a pattern.
func (d *Detector) Detect(text string) ([]Detection, error) {
	if len(text) > MaxInputLength {
		return nil, apperrors.New(apperrors.InputTooLarge, "input exceeds maximum scan length").
			WithContext("limit", strconv.Itoa(MaxInputLength))
	}
	if text == "" {
		return nil, nil
	}

	var out []Detection
	seen := make(map[dedupKey]bool)

	for _, p := range d.patterns {
		locs := p.Regexp().FindAllStringIndex(text, -1)
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			if end <= start {
				continue
			}
			match := text[start:end]

			confidence := p.BaseConf
			if p.Validator != nil {
				res := p.Validator(match)
				if !res.Valid {
					continue
				}
				confidence = p.BaseConf * res.Multiplier
			}
			if confidence > 1.0 {
				confidence = 1.0
			}
			confidence = round3(confidence)
			if confidence < d.minConfidence {
				continue
			}

			key := dedupKey{start: start, match: match}
			if seen[key] {
				continue
			}
			seen[key] = true

			out = append(out, Detection{
				Category:   p.Category,
				Type:       p.Type,
				Match:      match,
				Start:      start,
				End:        end,
				Confidence: confidence,
			})
			if d.metrics != nil {
				d.metrics.RecordDetection(string(p.Type))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

type dedupKey struct {
	start int
	match string
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
