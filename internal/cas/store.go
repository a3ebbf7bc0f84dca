// Package cas implements the content-addressed blob store (component A):
// byte blobs keyed by their BLAKE3 hash, a persistent pin set, and
// least-recently-used pruning of unpinned blobs.
package cas

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agent-world/internal/crypto"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when a blob lookup misses.
var ErrNotFound = errors.New("cas: not found")

// ErrBlobHashMismatch is returned by GetVerified when the bytes on disk no
// longer hash to the requested content_hash — tampering or corruption.
var ErrBlobHashMismatch = errors.New("cas: blob hash mismatch")

// Database is the generic key-value backend the store persists to. Mirrors
// the teacher's storage.Database interface so either an in-memory or a
// LevelDB-backed implementation can sit underneath unchanged.
type Database interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// MemDB is an in-memory Database, used in tests and for ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB constructs an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cloned := append([]byte(nil), value...)
	db.data[string(key)] = cloned
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	db.mu.RLock()
	keys := make([]string, 0, len(db.data))
	for k := range db.data {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == string(prefix)) {
			keys = append(keys, k)
		}
	}
	db.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		db.mu.RLock()
		v := append([]byte(nil), db.data[k]...)
		db.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB is a persistent Database backed by goleveldb, for long-lived
// nodes. Mirrors the teacher's storage.LevelDB wrapper.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database rooted at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cas: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *LevelDB) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		k := iter.Key()
		if len(prefix) > 0 && (len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix)) {
			continue
		}
		if err := fn(append([]byte(nil), k...), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelDB) Close() error { return l.db.Close() }

const blobPrefix = "blob:"

type blobMeta struct {
	Size    int64 `json:"size"`
	ModUnix int64 `json:"mod_unix"`
}

// Store is the content-addressed blob store. It persists blob bytes keyed
// by their BLAKE3 hash, a mtime record used for LRU pruning, and a
// separately persisted pin set.
type Store struct {
	mu       sync.Mutex
	db       Database
	pinsPath string
	pins     map[string]struct{}
	// now is overridable for deterministic tests.
	now func() time.Time
}

// NewStore constructs a Store over db, loading (or creating) a pin set
// persisted at pinsPath (the spec's pins.json).
func NewStore(db Database, pinsPath string) (*Store, error) {
	s := &Store{db: db, pinsPath: pinsPath, pins: make(map[string]struct{}), now: time.Now}
	if pinsPath != "" {
		if err := s.loadPins(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadPins() error {
	b, err := os.ReadFile(s.pinsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cas: read pins file: %w", err)
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("cas: decode pins file: %w", err)
	}
	for _, h := range list {
		s.pins[h] = struct{}{}
	}
	return nil
}

func (s *Store) savePins() error {
	if s.pinsPath == "" {
		return nil
	}
	list := make([]string, 0, len(s.pins))
	for h := range s.pins {
		list = append(list, h)
	}
	sort.Strings(list)
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("cas: encode pins file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.pinsPath), 0o755); err != nil {
		return fmt.Errorf("cas: create pins dir: %w", err)
	}
	tmp := s.pinsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cas: write pins tmp file: %w", err)
	}
	return os.Rename(tmp, s.pinsPath)
}

// Put stores bytes under hash, verifying that BLAKE3(bytes) == hash. Puts
// of the same content_hash are idempotent: a concurrent put that finds the
// key already present returns successfully without re-writing.
func (s *Store) Put(hash string, bytes []byte) error {
	if got := crypto.BLAKE3Hex(bytes); got != hash {
		return fmt.Errorf("cas: put hash mismatch: declared %s computed %s", hash, got)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := []byte(blobPrefix + hash)
	if has, _ := s.db.Has(key); has {
		return nil
	}
	if err := s.db.Put(key, bytes); err != nil {
		return fmt.Errorf("cas: put blob: %w", err)
	}
	meta := blobMeta{Size: int64(len(bytes)), ModUnix: s.now().Unix()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Put([]byte("meta:"+hash), metaBytes)
}

// Get returns the raw bytes for hash without re-verification.
func (s *Store) Get(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Get([]byte(blobPrefix + hash))
}

// GetVerified returns the bytes for hash after re-hashing them, surfacing
// ErrBlobHashMismatch if the stored bytes have been corrupted or tampered
// with since insertion.
func (s *Store) GetVerified(hash string) ([]byte, error) {
	b, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if got := crypto.BLAKE3Hex(b); got != hash {
		return nil, fmt.Errorf("%w: declared %s computed %s", ErrBlobHashMismatch, hash, got)
	}
	return b, nil
}

// Pin marks hash as pinned, exempting it from prune_unpinned.
func (s *Store) Pin(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[hash] = struct{}{}
	return s.savePins()
}

// Unpin removes hash from the pin set.
func (s *Store) Unpin(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, hash)
	return s.savePins()
}

// IsPinned reports whether hash is currently pinned.
func (s *Store) IsPinned(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pins[hash]
	return ok
}

type blobEntry struct {
	hash string
	meta blobMeta
}

// PruneUnpinned walks blobs oldest-first by recorded mtime and deletes them
// until the total stored byte count is at most maxBytes, skipping any blob
// that is currently pinned. It returns the hashes that were deleted.
func (s *Store) PruneUnpinned(maxBytes int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []blobEntry
	var total int64
	err := s.db.Iterate([]byte("meta:"), func(key, value []byte) error {
		hash := string(key[len("meta:"):])
		var m blobMeta
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("cas: decode blob meta for %s: %w", hash, err)
		}
		entries = append(entries, blobEntry{hash: hash, meta: m})
		total += m.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].meta.ModUnix < entries[j].meta.ModUnix })

	var deleted []string
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if _, pinned := s.pins[e.hash]; pinned {
			continue
		}
		if err := s.db.Delete([]byte(blobPrefix + e.hash)); err != nil {
			return deleted, err
		}
		if err := s.db.Delete([]byte("meta:" + e.hash)); err != nil {
			return deleted, err
		}
		total -= e.meta.Size
		deleted = append(deleted, e.hash)
	}
	return deleted, nil
}

// Hashes returns every stored blob hash in lexicographic order, the stable
// walk order the distfs storage probe samples from.
func (s *Store) Hashes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	err := s.db.Iterate([]byte("meta:"), func(key, value []byte) error {
		hashes = append(hashes, string(key[len("meta:"):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(hashes)
	return hashes, nil
}
