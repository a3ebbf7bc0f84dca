package cas

import (
	"testing"
	"time"

	"agent-world/internal/crypto"
)

func TestPutGetVerifiedRoundTrip(t *testing.T) {
	store, err := NewStore(NewMemDB(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := []byte("hello world")
	hash := crypto.BLAKE3Hex(data)
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetVerified(hash)
	if err != nil {
		t.Fatalf("get verified: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestPutRejectsHashMismatch(t *testing.T) {
	store, err := NewStore(NewMemDB(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Put("not-the-real-hash", []byte("data")); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := NewStore(NewMemDB(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := []byte("idempotent content")
	hash := crypto.BLAKE3Hex(data)
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("second put should succeed without error: %v", err)
	}
}

func TestGetVerifiedDetectsCorruption(t *testing.T) {
	db := NewMemDB()
	store, err := NewStore(db, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := []byte("original content")
	hash := crypto.BLAKE3Hex(data)
	if err := store.Put(hash, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Directly corrupt the underlying bytes, bypassing Store's hash check.
	if err := db.Put([]byte(blobPrefix+hash), []byte("corrupted content")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := store.GetVerified(hash); err == nil {
		t.Fatalf("expected corruption to be detected")
	}
}

func TestPinUnpin(t *testing.T) {
	store, err := NewStore(NewMemDB(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Pin("some-hash"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !store.IsPinned("some-hash") {
		t.Fatalf("expected hash to be pinned")
	}
	if err := store.Unpin("some-hash"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if store.IsPinned("some-hash") {
		t.Fatalf("expected hash to no longer be pinned")
	}
}

func TestPruneUnpinnedRemovesOldestFirstAndSkipsPinned(t *testing.T) {
	store, err := NewStore(NewMemDB(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	tick := time.Unix(1000, 0)
	store.now = func() time.Time {
		t := tick
		tick = tick.Add(time.Second)
		return t
	}

	put := func(content string) string {
		data := []byte(content)
		hash := crypto.BLAKE3Hex(data)
		if err := store.Put(hash, data); err != nil {
			t.Fatalf("put %s: %v", content, err)
		}
		return hash
	}

	// Equal-length content so the byte budget below is easy to reason about:
	// each blob is exactly 10 bytes.
	oldest := put("0123456789")
	if err := store.Pin(oldest); err != nil {
		t.Fatalf("pin oldest: %v", err)
	}
	middle := put("abcdefghij")
	newest := put("klmnopqrst")

	// Budget for the pinned oldest blob plus the newest one (20 bytes);
	// middle is the only unpinned blob that must be evicted to reach it.
	deleted, err := store.PruneUnpinned(20)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	deletedSet := make(map[string]bool)
	for _, h := range deleted {
		deletedSet[h] = true
	}
	if deletedSet[oldest] {
		t.Fatalf("pinned blob must not be deleted")
	}
	if !deletedSet[middle] {
		t.Fatalf("expected middle (older unpinned) blob to be deleted first")
	}
	if _, err := store.GetVerified(newest); err != nil {
		t.Fatalf("expected newest blob to survive pruning: %v", err)
	}
}
