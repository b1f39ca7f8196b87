package txcache

import (
	"testing"
	"time"

	"github.com/synledger/vdrpool/txn"
	"github.com/synledger/vdrpool/verifier"
)

func emptySet(t *testing.T) *verifier.Set {
	t.Helper()
	// A cache entry's value only needs to be a *verifier.Set pointer for
	// these tests; its contents are irrelevant to the cache's own behavior.
	lines := []txn.Raw{}
	_, err := verifier.FromTransactions(lines, 0)
	if err == nil {
		t.Fatalf("expected FromTransactions to reject an empty set")
	}
	return &verifier.Set{}
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := KeyOf([]txn.Raw{[]byte("genesis-line-1")})
	set := emptySet(t)

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected a miss before Put")
	}
	c.Put(key, set)
	got, ok := c.Get(key)
	if !ok || got != set {
		t.Fatalf("expected to get back the same set pointer")
	}
}

func TestGetExpiresAfterMaxAge(t *testing.T) {
	c, err := New(4, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := KeyOf([]txn.Raw{[]byte("genesis")})
	c.Put(key, emptySet(t))

	if _, ok := c.Get(key); !ok {
		t.Fatalf("expected a fresh hit immediately after Put")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected a stale entry to be treated as a miss")
	}
}

func TestKeyOfIsOrderSensitive(t *testing.T) {
	a := KeyOf([]txn.Raw{[]byte("one"), []byte("two")})
	b := KeyOf([]txn.Raw{[]byte("two"), []byte("one")})
	if a == b {
		t.Fatalf("expected different genesis orderings to hash differently")
	}
}

func TestPurgeRemovesAllEntries(t *testing.T) {
	c, err := New(4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := KeyOf([]txn.Raw{[]byte("genesis")})
	c.Put(key, emptySet(t))
	c.Purge()
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected Purge to remove cached entries")
	}
}
