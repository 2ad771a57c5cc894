// Package cachedb implements the on-disk cache holding the credential
// and bridge state across restarts. The cache is a single JSON file
// mapping keys to values tagged with the time they were stored, so
// callers decide per lookup how much staleness they tolerate.
package cachedb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// timeNow is overridable in tests.
var timeNow = time.Now

// entry is a stored value plus the unix second it was stored at.
type entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt int64           `json:"stored_at"`
}

// DB is the cache database. The zero value is invalid; use [Open].
// DB is safe for concurrent use.
type DB struct {
	mu      sync.Mutex
	path    string
	entries map[string]entry
}

// Open opens the cache file at the given path, creating an empty cache
// if the file does not exist yet.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db := &DB{
		path:    path,
		entries: make(map[string]entry),
	}
	data, err := os.ReadFile(path) //#nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return db, db.flushLocked()
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &db.entries); err != nil {
		// A corrupt cache is not fatal: start over.
		db.entries = make(map[string]entry)
	}
	return db, nil
}

// Put stores a value under the given key and persists the cache.
func (db *DB) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	defer db.mu.Unlock()
	db.mu.Lock()
	db.entries[key] = entry{Value: raw, StoredAt: timeNow().Unix()}
	return db.flushLocked()
}

// Get loads the value under the given key into out when the entry is
// younger than ttl. It returns whether a fresh value was loaded.
func (db *DB) Get(key string, ttl time.Duration, out any) bool {
	defer db.mu.Unlock()
	db.mu.Lock()
	e, found := db.entries[key]
	if !found {
		return false
	}
	if timeNow().Unix() >= e.StoredAt+int64(ttl.Seconds()) {
		return false
	}
	return json.Unmarshal(e.Value, out) == nil
}

// GetStale loads the value under the given key into out regardless of
// its age. It returns whether a value was loaded.
func (db *DB) GetStale(key string, out any) bool {
	defer db.mu.Unlock()
	db.mu.Lock()
	e, found := db.entries[key]
	if !found {
		return false
	}
	return json.Unmarshal(e.Value, out) == nil
}

// Purge removes the entry under the given key. Call it when a cached
// value turned out to be bad, so it is gone as fast as possible.
func (db *DB) Purge(key string) error {
	defer db.mu.Unlock()
	db.mu.Lock()
	delete(db.entries, key)
	return db.flushLocked()
}

// flushLocked persists the cache with a write-then-rename so a crash
// cannot leave a truncated file behind.
func (db *DB) flushLocked() error {
	data, err := json.Marshal(db.entries)
	if err != nil {
		return err
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, db.path)
}
