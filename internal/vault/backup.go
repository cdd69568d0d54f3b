// backup.go implements §4.7 backup and restore: a line-delimited snapshot
// of vault rows with a checksum, optional incremental filtering, and three
// restore modes (force, merge, fail-if-exists).
package vault

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/relaysentry/maskvault/internal/apperrors"
)

// BackupMetadata is the first line of a backup file (§6).
type BackupMetadata struct {
	Version                 int        `json:"version"`
	Timestamp               time.Time  `json:"timestamp"`
	EntryCount              int        `json:"entryCount"`
	Checksum                string     `json:"checksum"`
	Incremental             bool       `json:"incremental"`
	PreviousBackupTimestamp *time.Time `json:"previousBackupTimestamp,omitempty"`
}

type backupRecordEntry struct {
	ID             uint64 `json:"id"`
	Token          string `json:"token"`
	Category       string `json:"category"`
	EncryptedValue string `json:"encrypted_value"`
	IV             string `json:"iv"`
	AuthTag        string `json:"auth_tag"`
	Salt           string `json:"salt"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
}

type metadataLine struct {
	Metadata BackupMetadata `json:"metadata"`
}

type entryLine struct {
	Entry backupRecordEntry `json:"entry"`
}

// Backup writes every row, expired or not, to w as a line-delimited
// snapshot.
// If since is non-nil, only rows created after it are included
// (incremental mode).
func (v *Vault) Backup(w io.Writer, since *time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != stateOpen {
		return apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	var records []backupRecordEntry
	var checksumParts []string

	if err := v.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(_, raw []byte) error {
			var wire wireEntry
			if err := json.Unmarshal(raw, &wire); err != nil {
				return nil // skip corrupt row; repair handles this path
			}
			if since != nil && !time.UnixMilli(wire.CreatedAt).After(*since) {
				return nil
			}
			rec := backupRecordEntry{
				ID:             wire.ID,
				Token:          wire.Token,
				Category:       wire.Category,
				EncryptedValue: base64.StdEncoding.EncodeToString(wire.Ciphertext),
				IV:             base64.StdEncoding.EncodeToString(wire.IV),
				AuthTag:        base64.StdEncoding.EncodeToString(wire.AuthTag),
				Salt:           base64.StdEncoding.EncodeToString(wire.Salt),
				CreatedAt:      wire.CreatedAt,
				ExpiresAt:      wire.ExpiresAt,
			}
			records = append(records, rec)
			checksumParts = append(checksumParts, fmt.Sprintf("%d:%s:%s", rec.ID, rec.Token, rec.EncryptedValue))
			return nil
		})
	}); err != nil {
		return apperrors.Wrap(apperrors.Internal, "read vault entries for backup", err)
	}

	sum := sha256.Sum256([]byte(strings.Join(checksumParts, "\n")))

	meta := metadataLine{Metadata: BackupMetadata{
		Version:     1,
		Timestamp:   time.Now(),
		EntryCount:  len(records),
		Checksum:    hex.EncodeToString(sum[:]),
		Incremental: since != nil,
	}}
	if since != nil {
		meta.Metadata.PreviousBackupTimestamp = since
	}

	bw := bufio.NewWriter(w)
	if err := writeJSONLine(bw, meta); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeJSONLine(bw, entryLine{Entry: rec}); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "marshal backup line", err)
	}
	if _, err := w.Write(data); err != nil {
		return apperrors.Wrap(apperrors.Internal, "write backup line", err)
	}
	return w.WriteByte('\n')
}

// RestoreMode selects how Restore reconciles backup rows against existing
// vault rows with the same (token, category).
type RestoreMode int

const (
	// RestoreFailIfExists aborts if the destination already has any rows.
	RestoreFailIfExists RestoreMode = iota
	// RestoreForce overwrites existing rows unconditionally.
	RestoreForce
	// RestoreMerge inserts new rows and updates existing ones only if the
	// backup's row is newer by created_at.
	RestoreMerge
)

// Restore reads a backup stream written by Backup and applies it under the
// given mode. It returns the count of rows written.
func (v *Vault) Restore(r io.Reader, mode RestoreMode) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != stateOpen {
		return 0, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return 0, apperrors.New(apperrors.Internal, "empty backup stream")
	}
	var meta metadataLine
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "parse backup metadata", err)
	}

	if mode == RestoreFailIfExists {
		var hasEntries bool
		if err := v.db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketEntries)
			k, _ := b.Cursor().First()
			hasEntries = k != nil
			return nil
		}); err != nil {
			return 0, apperrors.Wrap(apperrors.Internal, "check existing vault state", err)
		}
		if hasEntries {
			return 0, apperrors.New(apperrors.AlreadyExists, "destination vault is not empty")
		}
	}

	written := 0
	for scanner.Scan() {
		var line entryLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // malformed line; skip rather than abort the whole restore
		}
		rec := line.Entry

		ciphertext, err := base64.StdEncoding.DecodeString(rec.EncryptedValue)
		if err != nil {
			continue
		}
		iv, err := base64.StdEncoding.DecodeString(rec.IV)
		if err != nil {
			continue
		}
		authTag, err := base64.StdEncoding.DecodeString(rec.AuthTag)
		if err != nil {
			continue
		}
		salt, err := base64.StdEncoding.DecodeString(rec.Salt)
		if err != nil {
			continue
		}

		wire := wireEntry{
			Token:      rec.Token,
			Category:   rec.Category,
			Ciphertext: ciphertext,
			IV:         iv,
			AuthTag:    authTag,
			Salt:       salt,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
		}

		skipped := false
		if err := v.db.Update(func(tx *bbolt.Tx) error {
			entries := tx.Bucket(bucketEntries)
			latest := tx.Bucket(bucketLatest)
			hk := []byte(hotKey(rec.Token, rec.Category))

			if mode == RestoreMerge {
				if existingID := latest.Get(hk); existingID != nil {
					raw := entries.Get(existingID)
					var existing wireEntry
					if raw != nil && json.Unmarshal(raw, &existing) == nil {
						if existing.CreatedAt >= wire.CreatedAt {
							skipped = true
							return nil // existing row is not older; keep it
						}
					}
				}
			}

			seq, err := entries.NextSequence()
			if err != nil {
				return err
			}
			wire.ID = seq
			data, err := json.Marshal(wire)
			if err != nil {
				return err
			}
			if err := entries.Put(idKey(seq), data); err != nil {
				return err
			}
			return latest.Put(hk, idKey(seq))
		}); err != nil {
			return written, apperrors.Wrap(apperrors.Internal, "restore vault entry", err)
		}
		if skipped {
			continue
		}
		written++
		if v.hot != nil {
			v.hot.Delete(hotKey(rec.Token, rec.Category))
		}
	}

	if err := scanner.Err(); err != nil {
		return written, apperrors.Wrap(apperrors.Internal, "scan backup stream", err)
	}
	return written, nil
}
