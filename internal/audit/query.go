package audit

import (
	"sort"
	"time"
)

// Filter selects a subset of entries for Query, Stats, Export, and Follow
// (§4.4). A nil/zero field means "no restriction" on that dimension.
type Filter struct {
	SessionID  string
	Operations []Operation
	Level      Level
	Start      *time.Time
	End        *time.Time
	Categories []string
}

func (f Filter) matches(e Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if len(f.Operations) > 0 {
		found := false
		for _, op := range f.Operations {
			if e.Operation == op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if len(f.Categories) > 0 {
		cat, ok := entryCategory(e)
		if !ok {
			return false
		}
		found := false
		for _, c := range f.Categories {
			if cat == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// entryCategory extracts a single "category" detail field, if present, to
// support category-scoped filtering without ever exposing a plaintext
// value (§4.4 privacy contract: details carry only category labels).
func entryCategory(e Entry) (string, bool) {
	if e.Details == nil {
		return "", false
	}
	v, ok := e.Details["category"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Query stream-parses the audit file, drops malformed lines, applies
// filter's predicates, and returns up to limit entries sorted by
// sequence. limit <= 0 means unbounded.
func (l *Logger) Query(filter Filter, limit int) ([]Entry, error) {
	entries, _, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates matching entries by operation, category, and session,
// and computes an overall success rate and mean duration (§4.4).
type Stats struct {
	Total          int
	SuccessCount   int
	SuccessRate    float64
	MeanDurationMs float64
	ByOperation    map[Operation]int
	ByCategory     map[string]int
	BySession      map[string]int
}

// Stats computes aggregate statistics over the entries matching filter.
func (l *Logger) Stats(filter Filter) (Stats, error) {
	entries, err := l.Query(filter, 0)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		ByOperation: make(map[Operation]int),
		ByCategory:  make(map[string]int),
		BySession:   make(map[string]int),
	}

	var durationSum int64
	var durationCount int

	for _, e := range entries {
		s.Total++
		if e.Success {
			s.SuccessCount++
		}
		s.ByOperation[e.Operation]++
		if e.SessionID != "" {
			s.BySession[e.SessionID]++
		}
		if cat, ok := entryCategory(e); ok {
			s.ByCategory[cat]++
		}
		if e.DurationMs != nil {
			durationSum += *e.DurationMs
			durationCount++
		}
	}

	if s.Total > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.Total)
	}
	if durationCount > 0 {
		s.MeanDurationMs = float64(durationSum) / float64(durationCount)
	}
	return s, nil
}
