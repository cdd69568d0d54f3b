// gdpr.go implements the data-subject export and erasure supplement: the
// current value a token holds in each category can be decrypted and
// listed, and every vault row for the token permanently removed, in one
// call each. Grounded on the
// tokenization lifecycle's Revoke/CleanupExpired shape (supplemented
// features, SPEC_FULL.md) rather than on anything in the teacher, which
// has no such per-identity erasure concept.
package vault

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/relaysentry/maskvault/internal/apperrors"
)

// SubjectRecord is one decrypted row returned by ExportByToken.
type SubjectRecord struct {
	Category  string
	Value     string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ExportByToken decrypts and returns, for each category token was
// tokenized into, the most recent row stored under it (the row Retrieve
// would return). Older, superseded rows are not included, and a category
// whose most recent row has expired is omitted.
func (v *Vault) ExportByToken(token string) ([]SubjectRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateOpen {
		return nil, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	var wires []wireEntry
	if err := v.db.View(func(tx *bbolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		entries := tx.Bucket(bucketEntries)
		prefix := []byte(token + "\x00")
		c := latest.Cursor()
		for k, idBytes := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, idBytes = c.Next() {
			raw := entries.Get(idBytes)
			if raw == nil {
				continue
			}
			var w wireEntry
			if err := json.Unmarshal(raw, &w); err != nil {
				continue
			}
			wires = append(wires, w)
		}
		return nil
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "read vault entries for export", err)
	}

	now := time.Now()
	var out []SubjectRecord
	for _, w := range wires {
		e := fromWire(w)
		if e.expired(now) {
			continue
		}
		plaintext, err := v.decrypt(e)
		if err != nil {
			return nil, err
		}
		out = append(out, SubjectRecord{
			Category:  e.Category,
			Value:     plaintext,
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return out, nil
}

// DeleteByToken permanently removes every row ever stored under token,
// across all categories, including rows superseded by a later Store of the
// same (token, category) and no longer reachable through the latest-entry
// index. A GDPR erasure request must remove every recoverable copy of a
// data subject's value, not just the one Retrieve would currently return —
// leaving an old row behind would still let anyone with the master key and
// raw file access decrypt an "erased" value. It returns the number of rows
// removed.
func (v *Vault) DeleteByToken(token string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateOpen {
		return 0, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	removed := 0
	err := v.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		latest := tx.Bucket(bucketLatest)

		var toDelete [][]byte
		categories := make(map[string]struct{})

		c := entries.Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var w wireEntry
			if err := json.Unmarshal(raw, &w); err != nil {
				continue
			}
			if w.Token != token {
				continue
			}
			toDelete = append(toDelete, append([]byte{}, k...))
			categories[w.Category] = struct{}{}
		}

		for _, k := range toDelete {
			if err := entries.Delete(k); err != nil {
				return err
			}
			removed++
		}
		for cat := range categories {
			if err := latest.Delete([]byte(hotKey(token, cat))); err != nil {
				return err
			}
			if v.hot != nil {
				v.hot.Delete(hotKey(token, cat))
			}
		}
		return nil
	})
	if err != nil {
		return removed, apperrors.Wrap(apperrors.Internal, "delete vault entries for token", err)
	}
	return removed, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
