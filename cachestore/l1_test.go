package cachestore

import (
	"testing"
	"time"
)

func TestL1SetGetRoundTrip(t *testing.T) {
	l1 := NewL1(10)
	l1.Set(&Entry{Key: "k1", Payload: []byte(`{"a":1}`), ExpiresAt: time.Now().Add(time.Hour)})

	e, ok := l1.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(e.Payload) != `{"a":1}` {
		t.Fatalf("unexpected payload: %s", e.Payload)
	}
	if e.ExpiresAt.IsZero() {
		t.Fatal("expected non-zero expiry")
	}
}

func TestL1MissOnUnknownKey(t *testing.T) {
	l1 := NewL1(10)
	if _, ok := l1.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestL1LazyExpiresEntry(t *testing.T) {
	l1 := NewL1(10)
	l1.Set(&Entry{Key: "k1", Payload: []byte(`{}`), ExpiresAt: time.Now().Add(-time.Second)})

	if _, ok := l1.Get("k1"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if l1.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, len=%d", l1.Len())
	}
}

func TestL1PermanentEntryNeverExpires(t *testing.T) {
	l1 := NewL1(10)
	l1.Set(&Entry{Key: "k1", Payload: []byte(`{}`)}) // zero ExpiresAt

	if _, ok := l1.Get("k1"); !ok {
		t.Fatal("expected permanent entry to remain present")
	}
}

func TestL1EvictsLRUTailAtCapacity(t *testing.T) {
	l1 := NewL1(2)
	future := time.Now().Add(time.Hour)
	l1.Set(&Entry{Key: "a", Payload: []byte(`1`), ExpiresAt: future})
	l1.Set(&Entry{Key: "b", Payload: []byte(`2`), ExpiresAt: future})
	l1.Set(&Entry{Key: "c", Payload: []byte(`3`), ExpiresAt: future}) // evicts "a", the LRU tail

	if _, ok := l1.Get("a"); ok {
		t.Fatal("expected \"a\" to be evicted")
	}
	if _, ok := l1.Get("b"); !ok {
		t.Fatal("expected \"b\" to remain")
	}
	if _, ok := l1.Get("c"); !ok {
		t.Fatal("expected \"c\" to remain")
	}
}

func TestL1AccessPromotesEntry(t *testing.T) {
	l1 := NewL1(2)
	future := time.Now().Add(time.Hour)
	l1.Set(&Entry{Key: "a", Payload: []byte(`1`), ExpiresAt: future})
	l1.Set(&Entry{Key: "b", Payload: []byte(`2`), ExpiresAt: future})

	l1.Get("a") // promote "a" to front; "b" becomes LRU tail

	l1.Set(&Entry{Key: "c", Payload: []byte(`3`), ExpiresAt: future}) // should evict "b", not "a"

	if _, ok := l1.Get("b"); ok {
		t.Fatal("expected \"b\" to be evicted after promotion of \"a\"")
	}
	if _, ok := l1.Get("a"); !ok {
		t.Fatal("expected \"a\" to survive due to recent access")
	}
}

func TestL1Delete(t *testing.T) {
	l1 := NewL1(10)
	l1.Set(&Entry{Key: "a", Payload: []byte(`1`), ExpiresAt: time.Now().Add(time.Hour)})

	if !l1.Delete("a") {
		t.Fatal("expected delete to report existing key")
	}
	if l1.Delete("a") {
		t.Fatal("expected second delete to report absence")
	}
	if _, ok := l1.Get("a"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}
