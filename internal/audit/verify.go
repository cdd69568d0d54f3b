package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// VerifyResult reports the outcome of walking the audit log for gaps,
// duplicate sequences, corrupted lines, and signature mismatches (§4.4).
type VerifyResult struct {
	Valid             bool
	SequenceGaps      []SequenceGap
	DuplicateSeqs     []uint64
	CorruptedLines    []int
	InvalidSignatures []uint64
	Checksum          string
}

// SequenceGap describes a break in the monotonic sequence: After is the
// last surviving sequence seen before Before appears (Before > After+1).
type SequenceGap struct {
	After  uint64
	Before uint64
}

// Verify enumerates every entry matching filter's time range, reporting
// sequence gaps, duplicate sequences, corrupted lines, and invalid
// signatures. Valid is true iff surviving sequences form a contiguous
// increasing run from the first surviving record and every signature
// re-derives (§8 property). Verify never mutates the log.
func (l *Logger) Verify(filter Filter) (VerifyResult, error) {
	entries, corrupted, err := l.readAll()
	if err != nil {
		return VerifyResult{}, err
	}

	var scoped []Entry
	for _, e := range entries {
		if filter.Start != nil && e.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && e.Timestamp.After(*filter.End) {
			continue
		}
		scoped = append(scoped, e)
	}
	sort.SliceStable(scoped, func(i, j int) bool { return scoped[i].Sequence < scoped[j].Sequence })

	result := VerifyResult{CorruptedLines: corrupted}

	seen := make(map[uint64]int)
	var checksumParts []string
	var lastSeq uint64
	first := true

	for _, e := range scoped {
		seen[e.Sequence]++
		if seen[e.Sequence] > 1 {
			result.DuplicateSeqs = append(result.DuplicateSeqs, e.Sequence)
		}

		if first {
			first = false
		} else if e.Sequence > lastSeq+1 {
			result.SequenceGaps = append(result.SequenceGaps, SequenceGap{After: lastSeq, Before: e.Sequence})
		}
		if e.Sequence >= lastSeq {
			lastSeq = e.Sequence
		}

		if !e.verifySignature(l.key) {
			result.InvalidSignatures = append(result.InvalidSignatures, e.Sequence)
		}

		checksumParts = append(checksumParts, strings.Join([]string{
			strconv.FormatUint(e.Sequence, 10),
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
			string(e.Operation),
			e.SessionID,
		}, ":"))
	}

	sum := sha256.Sum256([]byte(strings.Join(checksumParts, "|")))
	result.Checksum = hex.EncodeToString(sum[:])

	result.Valid = len(result.SequenceGaps) == 0 &&
		len(result.DuplicateSeqs) == 0 &&
		len(result.CorruptedLines) == 0 &&
		len(result.InvalidSignatures) == 0

	return result, nil
}
