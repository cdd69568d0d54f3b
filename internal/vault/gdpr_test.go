package vault

import (
	"testing"

	"go.etcd.io/bbolt"
)

func TestExportByTokenReturnsAllCategories(t *testing.T) {
	v := openTestVault(t)

	if _, err := v.Store("SUBJECT_AABBCCDD", "PII", "alice@example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := v.Store("SUBJECT_AABBCCDD", "SECRET", "s3cr3t-key", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := v.Store("OTHER_11223344", "PII", "bob@example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	records, err := v.ExportByToken("SUBJECT_AABBCCDD")
	if err != nil {
		t.Fatalf("ExportByToken: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	byCategory := map[string]string{}
	for _, r := range records {
		byCategory[r.Category] = r.Value
	}
	if byCategory["PII"] != "alice@example.com" {
		t.Fatalf("PII value = %q", byCategory["PII"])
	}
	if byCategory["SECRET"] != "s3cr3t-key" {
		t.Fatalf("SECRET value = %q", byCategory["SECRET"])
	}
}

func TestDeleteByTokenRemovesAllCategoriesOnly(t *testing.T) {
	v := openTestVault(t)

	if _, err := v.Store("SUBJECT_AABBCCDD", "PII", "alice@example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := v.Store("SUBJECT_AABBCCDD", "SECRET", "s3cr3t-key", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := v.Store("OTHER_11223344", "PII", "bob@example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	removed, err := v.DeleteByToken("SUBJECT_AABBCCDD")
	if err != nil {
		t.Fatalf("DeleteByToken: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	if records, err := v.ExportByToken("SUBJECT_AABBCCDD"); err != nil || len(records) != 0 {
		t.Fatalf("expected no records after deletion, got %d err=%v", len(records), err)
	}

	if _, ok, err := v.Retrieve("OTHER_11223344", "PII"); err != nil || !ok {
		t.Fatalf("unrelated token should survive deletion: ok=%v err=%v", ok, err)
	}
}

func TestDeleteByTokenRemovesSupersededRows(t *testing.T) {
	v := openTestVault(t)

	// Re-storing the same (token, category) leaves an old row behind,
	// addressable only by direct scan once a newer row becomes "latest".
	if _, err := v.Store("SUBJECT_AABBCCDD", "PII", "alice@old.example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := v.Store("SUBJECT_AABBCCDD", "PII", "alice@new.example.com", 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	removed, err := v.DeleteByToken("SUBJECT_AABBCCDD")
	if err != nil {
		t.Fatalf("DeleteByToken: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (including the superseded row)", removed)
	}

	survivors := 0
	_ = v.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			survivors++
		}
		return nil
	})
	if survivors != 0 {
		t.Fatalf("surviving rows = %d, want 0", survivors)
	}
}
