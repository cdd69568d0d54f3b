// Package session holds the per-session HMAC keys that make tokenization
// deterministic within a session and unlinkable across sessions (§3). The
// registry is an in-process map with bounded size, LRU-by-age eviction, and
// TTL expiry, mutated only through the operations below — "forbid ambient
// access in library code" per §9: callers hold a *Registry explicitly.
package session

import (
	"container/list"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/relaysentry/maskvault/internal/apperrors"
)

// MaxSessions is the default cap on live sessions before oldest-by-
// created_at eviction kicks in (§3).
const MaxSessions = 1000

// TTL is the default session lifetime.
const TTL = 24 * time.Hour

// IDLength is the byte length of a session ID before hex-encoding (§3: a
// 16-byte random hex string).
const IDLength = 16

// KeyLength is the byte length of a session's HMAC key (§3).
const KeyLength = 32

// Session is a bounded-lifetime scope holding the HMAC key that makes
// tokenization deterministic. Key is zeroized when the session is removed
// (Clear, ClearAll, expiry, or eviction).
type Session struct {
	ID        string
	Key       []byte
	CreatedAt time.Time
	ExpiresAt time.Time

	elem *list.Element // position in the registry's age-ordered list
}

// Registry holds all live sessions, keyed by ID, ordered oldest-first for
// eviction. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	order      *list.List // front = oldest
	maxSize    int
	ttl        time.Duration
}

// New creates an empty Registry with the given capacity and TTL. A
// maxSize <= 0 falls back to MaxSessions; a ttl <= 0 falls back to TTL.
func New(maxSize int, ttl time.Duration) *Registry {
	if maxSize <= 0 {
		maxSize = MaxSessions
	}
	if ttl <= 0 {
		ttl = TTL
	}
	return &Registry{
		sessions: make(map[string]*Session),
		order:    list.New(),
		maxSize:  maxSize,
		ttl:      ttl,
	}
}

// Generate creates a new session, evicting the oldest live session first
// if the registry is at capacity.
func (r *Registry) Generate() (*Session, error) {
	idBytes := make([]byte, IDLength)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "generate session id", err)
	}
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "generate session key", err)
	}

	now := time.Now()
	s := &Session{
		ID:        hex.EncodeToString(idBytes),
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked(now)
	for len(r.sessions) >= r.maxSize {
		r.evictOldestLocked()
	}

	s.elem = r.order.PushBack(s.ID)
	r.sessions[s.ID] = s
	return s, nil
}

// Get returns the live session for id, or an InvalidSession error if it is
// absent or has expired (an expired session found here is removed as a
// side effect — "expired sessions are lazy-removed on access").
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.New(apperrors.InvalidSession, "session not found")
	}
	if time.Now().After(s.ExpiresAt) {
		r.removeLocked(s)
		return nil, apperrors.New(apperrors.InvalidSession, "session expired")
	}
	return s, nil
}

// Clear zeroizes and removes a single session.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		r.removeLocked(s)
	}
}

// ClearAll zeroizes and removes every session.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		zero(s.Key)
	}
	r.sessions = make(map[string]*Session)
	r.order.Init()
}

// Len returns the current number of live (not-necessarily-unexpired)
// sessions held in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictOldestLocked drops the single oldest session. Caller holds r.mu.
func (r *Registry) evictOldestLocked() {
	front := r.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	if s, ok := r.sessions[id]; ok {
		r.removeLocked(s)
		return
	}
	r.order.Remove(front)
}

// evictExpiredLocked drops every session whose TTL has passed as of now.
// Caller holds r.mu.
func (r *Registry) evictExpiredLocked(now time.Time) {
	var expired []*Session
	for _, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		r.removeLocked(s)
	}
}

// removeLocked zeroizes the key and drops s from both index structures.
// Caller holds r.mu.
func (r *Registry) removeLocked(s *Session) {
	zero(s.Key)
	delete(r.sessions, s.ID)
	if s.elem != nil {
		r.order.Remove(s.elem)
	}
}

// zero overwrites key material with zeros, with a compiler-optimization
// barrier matching the pattern used elsewhere in the corpus for clearing
// secret buffers.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	dummy := make([]byte, len(b))
	subtle.ConstantTimeCompare(b, dummy)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, for MAC/token/signature comparisons (§5).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DebugString returns a readable session summary (ID and lifetime only).
func (s *Session) DebugString() string {
	return fmt.Sprintf("session{id=%s created=%s expires=%s}", s.ID, s.CreatedAt, s.ExpiresAt)
}
