// hotcache.go — an in-memory S3-FIFO eviction layer in front of the
// decrypted plaintext a Vault retrieve would otherwise have to re-derive
// and re-open every call. Adapted from the teacher proxy's
// internal/anonymizer/s3fifo_cache.go: the original wrapped a persistent
// bbolt cache of original->token strings; here it caches token+category ->
// decrypted plaintext bytes in memory only (the vault's own bbolt store is
// the durable layer, not this cache's backing store), and evicted entries
// are zeroed rather than deleted from disk, per §5 memory hygiene.
//
// Algorithm (S3-FIFO, Yang et al. 2023): a small probationary FIFO (S), a
// larger protected FIFO (M), and a bounded ghost set recording keys
// recently evicted from S so a second arrival is promoted straight to M.
package vault

import (
	"container/list"
	"sync"
	"time"
)

type hotEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
	freq      uint8
	elem      *list.Element
	inM       bool
}

func (e *hotEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type hotCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*hotEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int
}

func newHotCache(capacity int) *hotCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &hotCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*hotEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// Get returns a copy of the cached plaintext for key, if resident and not
// past its expiry. An expired entry is treated as a miss and evicted on the
// spot — a row's TTL must be enforced here exactly as it is on the Vault's
// own retrieve path, or a cached plaintext would outlive its row's
// expires_at until some later CleanupExpired happened to run.
func (c *hotCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Set inserts or updates key -> value, expiring the cached copy at
// expiresAt (the zero Time means no expiry). The stored copy is independent
// of the caller's slice.
func (c *hotCache) Set(key string, value []byte, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	if e, ok := c.entries[key]; ok {
		zero(e.value)
		e.value = stored
		e.expiresAt = expiresAt
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &hotEntry{value: stored, expiresAt: expiresAt, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// Delete removes key from the cache, zeroing its value.
func (c *hotCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Close zeroes every resident value. The cache is unusable afterward.
func (c *hotCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		zero(e.value)
	}
	c.entries = nil
}

func (c *hotCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	zero(e.value)
	delete(c.entries, key)
}

func (c *hotCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *hotCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		zero(e.value)
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *hotCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.mQueue.Remove(front)
	if e, ok := c.entries[key]; ok {
		zero(e.value)
		delete(c.entries, key)
	}
}

func (c *hotCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *hotCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
