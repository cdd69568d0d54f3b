// Package vault provides durable, authenticated, keyed storage for the
// plaintext values the tokenizer replaces with tokens (§4.3). Each row is
// AES-256-GCM encrypted under a key derived from a process-supplied master
// key via PBKDF2-HMAC-SHA256 (100 000 iterations) and a salt generated and
// persisted with that row — see SPEC_FULL.md's resolution of the §9 salt
// open question. Storage is backed by bbolt, the same embedded
// key-value store the teacher proxy uses for its Ollama value cache.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/relaysentry/maskvault/internal/apperrors"
	"github.com/relaysentry/maskvault/internal/logger"
	"github.com/relaysentry/maskvault/internal/metrics"
)

const (
	// KeyLength is the AES-256 key length in bytes.
	KeyLength = 32
	// IVLength is the GCM nonce length in bytes (§3 VaultEntry.iv).
	IVLength = 12
	// AuthTagLength is the GCM authentication tag length in bytes (§3 VaultEntry.auth_tag).
	AuthTagLength = 16
	// SaltLength is the PBKDF2 salt length in bytes.
	SaltLength = 32
	// PBKDF2Iterations is the iteration count required by §3.
	PBKDF2Iterations = 100_000
)

var (
	bucketEntries = []byte("entries")
	bucketLatest  = []byte("latest") // "token\x00category" -> entry id (8-byte BE)
)

// Entry is the durable, independently-decryptable row described in §3.
type Entry struct {
	ID         uint64
	Token      string
	Category   string
	Ciphertext []byte
	IV         [IVLength]byte
	AuthTag    [AuthTagLength]byte
	Salt       [SaltLength]byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// wireEntry is the JSON-serializable form persisted in bbolt.
type wireEntry struct {
	ID         uint64     `json:"id"`
	Token      string     `json:"token"`
	Category   string     `json:"category"`
	Ciphertext []byte     `json:"ciphertext"`
	IV         []byte     `json:"iv"`
	AuthTag    []byte     `json:"auth_tag"`
	Salt       []byte     `json:"salt"`
	CreatedAt  int64      `json:"created_at"` // unix millis
	ExpiresAt  *int64     `json:"expires_at"` // unix millis, nil = no expiry
}

func (e *Entry) toWire() wireEntry {
	w := wireEntry{
		ID:         e.ID,
		Token:      e.Token,
		Category:   e.Category,
		Ciphertext: e.Ciphertext,
		IV:         e.IV[:],
		AuthTag:    e.AuthTag[:],
		Salt:       e.Salt[:],
		CreatedAt:  e.CreatedAt.UnixMilli(),
	}
	if e.ExpiresAt != nil {
		ms := e.ExpiresAt.UnixMilli()
		w.ExpiresAt = &ms
	}
	return w
}

func fromWire(w wireEntry) *Entry {
	e := &Entry{
		ID:         w.ID,
		Token:      w.Token,
		Category:   w.Category,
		Ciphertext: w.Ciphertext,
		CreatedAt:  time.UnixMilli(w.CreatedAt),
	}
	copy(e.IV[:], w.IV)
	copy(e.AuthTag[:], w.AuthTag)
	copy(e.Salt[:], w.Salt)
	if w.ExpiresAt != nil {
		t := time.UnixMilli(*w.ExpiresAt)
		e.ExpiresAt = &t
	}
	return e
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// state models the three observable Vault states from §4.3.
type state int

const (
	stateUninitialized state = iota
	stateOpen
	stateClosed
)

// Vault is the authenticated, keyed value store. The zero value is not
// usable; construct with Open.
type Vault struct {
	mu        sync.Mutex
	db        *bolt.DB
	masterKey []byte
	hot       *hotCache
	log       *logger.Logger
	state     state
	metrics   *metrics.Metrics
}

// Option configures Open.
type Option func(*Vault)

// WithHotCacheCapacity overrides the in-memory decrypted-value cache size
// (0 disables the hot cache; see hotcache.go).
func WithHotCacheCapacity(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.hot = newHotCache(n)
		} else {
			v.hot = nil
		}
	}
}

// WithLogger attaches a module logger; defaults to a silent no-op-level logger.
func WithLogger(l *logger.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithMetrics attaches a counter sink for store/retrieve call counts, miss
// counts, and latency. Omit to run without metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

const defaultHotCacheCapacity = 4096

// Open creates or opens the vault file at path (mode 0600, per §4.3) and
// readies it for store/retrieve. masterKey is live in process memory for
// the open lifetime of the Vault — there is no separate "encrypted at
// rest with key" state.
func Open(path string, masterKey []byte, opts ...Option) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, apperrors.New(apperrors.Internal, "master key must not be empty")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.VaultCorruption, "open vault file", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLatest)
		return err
	}); err != nil {
		db.Close() //nolint:errcheck
		return nil, apperrors.Wrap(apperrors.VaultCorruption, "initialize vault schema", err)
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)

	v := &Vault{
		db:        db,
		masterKey: key,
		hot:       newHotCache(defaultHotCacheCapacity),
		log:       logger.New("VAULT", "info"),
		state:     stateOpen,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// deriveKey derives the per-row AES-256 key from the master key and salt.
func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.masterKey, salt, PBKDF2Iterations, KeyLength, sha256.New)
}

func hotKey(token, category string) string { return token + "\x00" + category }

// Store encrypts value under a fresh salt+IV and persists it, returning the
// new entry's monotonic ID. ttl of 0 means no expiry.
func (v *Vault) Store(token, category, value string, ttl time.Duration) (id uint64, err error) {
	start := time.Now()
	defer func() {
		if v.metrics == nil {
			return
		}
		if err != nil {
			v.metrics.VaultErrors.Add(1)
		} else {
			v.metrics.VaultStores.Add(1)
		}
		v.metrics.RecordVaultLatency(time.Since(start))
	}()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateOpen {
		return 0, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "generate salt", err)
	}
	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "generate iv", err)
	}

	key := v.deriveKey(salt)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.EncryptionFailure, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.EncryptionFailure, "create gcm", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(value), nil)
	if len(sealed) < AuthTagLength {
		return 0, apperrors.New(apperrors.EncryptionFailure, "sealed output shorter than auth tag")
	}
	ciphertext := sealed[:len(sealed)-AuthTagLength]
	authTag := sealed[len(sealed)-AuthTagLength:]

	now := time.Now()
	e := &Entry{
		Token:     token,
		Category:  category,
		CreatedAt: now,
	}
	copy(e.IV[:], iv)
	copy(e.AuthTag[:], authTag)
	copy(e.Salt[:], salt)
	e.Ciphertext = ciphertext
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	if err := v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		e.ID = id

		data, err := json.Marshal(e.toWire())
		if err != nil {
			return err
		}
		if err := b.Put(idKey(id), data); err != nil {
			return err
		}

		latest := tx.Bucket(bucketLatest)
		return latest.Put([]byte(hotKey(token, category)), idKey(id))
	}); err != nil {
		return 0, apperrors.Wrap(apperrors.Internal, "persist vault entry", err)
	}

	if v.hot != nil {
		var expiresAt time.Time
		if e.ExpiresAt != nil {
			expiresAt = *e.ExpiresAt
		}
		v.hot.Set(hotKey(token, category), []byte(value), expiresAt)
	}

	return id, nil
}

// Retrieve returns the most recently inserted, non-expired plaintext for
// (token, category), decrypting with that row's own stored salt and IV and
// verifying the GCM auth tag. ok is false if no live row exists.
func (v *Vault) Retrieve(token, category string) (value string, ok bool, err error) {
	start := time.Now()
	defer func() {
		if v.metrics == nil {
			return
		}
		switch {
		case err != nil:
			v.metrics.VaultErrors.Add(1)
		case !ok:
			v.metrics.VaultMisses.Add(1)
		default:
			v.metrics.VaultRetrieves.Add(1)
		}
		v.metrics.RecordVaultLatency(time.Since(start))
	}()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateOpen {
		return "", false, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	if v.hot != nil {
		if cached, hit := v.hot.Get(hotKey(token, category)); hit {
			return string(cached), true, nil
		}
	}

	var e *Entry
	if err := v.db.View(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		idBytes := latest.Get([]byte(hotKey(token, category)))
		if idBytes == nil {
			return nil
		}
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get(idBytes)
		if raw == nil {
			return nil
		}
		var w wireEntry
		if err := json.Unmarshal(raw, &w); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		e = fromWire(w)
		return nil
	}); err != nil {
		return "", false, apperrors.Wrap(apperrors.VaultCorruption, "read vault entry", err)
	}

	if e == nil || e.expired(time.Now()) {
		return "", false, nil
	}

	plaintext, err := v.decrypt(e)
	if err != nil {
		return "", false, err
	}

	if v.hot != nil {
		var expiresAt time.Time
		if e.ExpiresAt != nil {
			expiresAt = *e.ExpiresAt
		}
		v.hot.Set(hotKey(token, category), []byte(plaintext), expiresAt)
	}
	return plaintext, true, nil
}

// decrypt opens the AEAD ciphertext of e under its own persisted salt/IV.
func (v *Vault) decrypt(e *Entry) (string, error) {
	key := v.deriveKey(e.Salt[:])
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.EncryptionFailure, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(apperrors.EncryptionFailure, "create gcm", err)
	}

	sealed := append(append([]byte{}, e.Ciphertext...), e.AuthTag[:]...)
	plaintext, err := gcm.Open(nil, e.IV[:], sealed, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.EncryptionFailure, "authentication failed", err)
	}
	return string(plaintext), nil
}

// CleanupExpired deletes every row whose expiry has passed and returns the
// count removed.
func (v *Vault) CleanupExpired() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != stateOpen {
		return 0, apperrors.New(apperrors.VaultClosed, "vault is not open")
	}

	now := time.Now()
	removed := 0

	err := v.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		latest := tx.Bucket(bucketLatest)

		var toDelete [][]byte
		c := entries.Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var w wireEntry
			if err := json.Unmarshal(raw, &w); err != nil {
				continue
			}
			e := fromWire(w)
			if e.expired(now) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			raw := entries.Get(k)
			var w wireEntry
			if raw != nil {
				_ = json.Unmarshal(raw, &w)
			}
			if err := entries.Delete(k); err != nil {
				return err
			}
			removed++
			hk := []byte(hotKey(w.Token, w.Category))
			if idBytes := latest.Get(hk); idBytes != nil && string(idBytes) == string(k) {
				latest.Delete(hk) //nolint:errcheck
			}
			if v.hot != nil {
				v.hot.Delete(hotKey(w.Token, w.Category))
			}
		}
		return nil
	})
	if err != nil {
		return removed, apperrors.Wrap(apperrors.Internal, "cleanup expired entries", err)
	}
	return removed, nil
}

// Close releases the underlying bbolt handle and zeroizes the master key.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == stateClosed {
		return nil
	}
	v.state = stateClosed
	zero(v.masterKey)
	if v.hot != nil {
		v.hot.Close()
	}
	return v.db.Close()
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
