// Package txcache provides an optional, process-local cache of verifier
// sets keyed by the content hash of the genesis transactions they grew
// from. Looking up a set here does not replace parsing the genesis file:
// the pool still parses and verifies it on every creation.
//
// New; backed by hashicorp/golang-lru/v2 (a teacher indirect dependency
// promoted here to a direct, exercised one), guarded by a single-writer
// sync.RWMutex per the pool's single-owner-goroutine model. Cache entries
// carry a FetchedAt stamp and MaxAge, recovered from
// libindy_vdr/src/pool/cache in original_source/, which the distilled spec
// only described as "optional... TTL- or LRU-bounded".
package txcache

import (
	"crypto/sha256"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synledger/vdrpool/txn"
	"github.com/synledger/vdrpool/verifier"
)

// Key is the SHA-256 digest of the concatenated raw genesis transactions,
// in file order.
type Key [32]byte

// KeyOf computes the cache key for a genesis transaction set.
func KeyOf(lines []txn.Raw) Key {
	h := sha256.New()
	for _, l := range lines {
		h.Write(l)
		h.Write([]byte{'\n'})
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

type entry struct {
	set       *verifier.Set
	fetchedAt time.Time
}

// Cache is an LRU-bounded cache of parsed verifier sets.
type Cache struct {
	mu     sync.RWMutex
	lru    *lru.Cache[Key, entry]
	maxAge time.Duration
}

// New builds a Cache holding up to capacity entries, each considered fresh
// for up to maxAge (zero means entries never expire on their own and are
// only evicted by LRU pressure).
func New(capacity int, maxAge time.Duration) (*Cache, error) {
	if capacity <= 0 {
		capacity = 16
	}
	l, err := lru.New[Key, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, maxAge: maxAge}, nil
}

// Get returns the cached verifier.Set for key if present and, when maxAge
// is set, still fresh. A stale hit is treated identically to a miss.
func (c *Cache) Get(key Key) (*verifier.Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(e.fetchedAt) > c.maxAge {
		return nil, false
	}
	return e.set, true
}

// Put stores set under key, stamped with the current time.
func (c *Cache) Put(key Key, set *verifier.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry{set: set, fetchedAt: time.Now()})
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
