package toki

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// CacheEntry records one completed (recipe, arch, toolchain) build artifact.
type CacheEntry struct {
	Recipe      string    `json:"recipe"`
	Version     string    `json:"version"`
	Arch        string    `json:"arch"`
	Fingerprint string    `json:"fingerprint"`
	Tarball     string    `json:"tarball"`
	BuiltAt     time.Time `json:"built_at"`
}

// StateStore persists the artifact index across invocations. The index file
// is rewritten atomically on every update; readers only touch the in-memory
// map, so cache-hit checks never contend with writers beyond the RLock.
// Writers additionally hold a per-key mutex so two units can never race to
// populate the same key.
type StateStore struct {
	Root string

	mu      sync.RWMutex
	entries map[string]CacheEntry

	klMu     sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func OpenStateStore(root string) (*StateStore, error) {
	s := &StateStore{
		Root:     root,
		entries:  make(map[string]CacheEntry),
		keyLocks: make(map[string]*sync.Mutex),
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", s.indexPath(), err)
	}
	return s, nil
}

func (s *StateStore) indexPath() string {
	return filepath.Join(s.Root, "index.json")
}

// Lookup checks for a valid cache entry. The entry is valid only when its
// recorded tarball still exists on disk.
func (s *StateStore) Lookup(key string) (CacheEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	if _, err := os.Stat(e.Tarball); err != nil {
		return CacheEntry{}, false
	}
	return e, true
}

// lockKey returns the mutex guarding writes to one cache key.
func (s *StateStore) lockKey(key string) *sync.Mutex {
	s.klMu.Lock()
	defer s.klMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

// WithKeyLock runs fn while holding the write lock for key. Build units wrap
// their populate path in this so a second unit for the same key waits and
// then sees the entry instead of rebuilding.
func (s *StateStore) WithKeyLock(key string, fn func() error) error {
	m := s.lockKey(key)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Record stores an entry and atomically rewrites the index. Callers must
// hold the key's write lock (via WithKeyLock).
func (s *StateStore) Record(key string, e CacheEntry) error {
	s.mu.Lock()
	s.entries[key] = e
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// Remove drops an entry and its tarball.
func (s *StateStore) Remove(key string) error {
	return s.WithKeyLock(key, func() error {
		s.mu.Lock()
		e, ok := s.entries[key]
		delete(s.entries, key)
		err := s.saveLocked()
		s.mu.Unlock()
		if ok {
			_ = os.Remove(e.Tarball)
		}
		return err
	})
}

// Keys returns every recorded cache key, sorted.
func (s *StateStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PurgeAll drains every in-flight writer, then removes all entries and
// artifacts. Clean requests wait for running units rather than tearing the
// index out from under them.
func (s *StateStore) PurgeAll() error {
	s.klMu.Lock()
	locks := make([]*sync.Mutex, 0, len(s.keyLocks))
	for _, m := range s.keyLocks {
		locks = append(locks, m)
	}
	s.klMu.Unlock()

	for _, m := range locks {
		m.Lock()
	}
	defer func() {
		for _, m := range locks {
			m.Unlock()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		_ = os.Remove(e.Tarball)
	}
	s.entries = make(map[string]CacheEntry)
	return s.saveLocked()
}

// saveLocked rewrites the index file via temp + rename so a reader never
// observes a half-written index. Caller holds s.mu.
func (s *StateStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Root, ".index-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.indexPath()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
