// Package cache holds per-path sync metadata and a bounded in-memory
// chunk store keyed by content hash.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/filesynchub/filesynchub/internal/db"
)

// Timestamps are stored as text and compared lexicographically in SQL, so
// the layout must be fixed-width UTC: RFC3339Nano drops trailing zeros,
// which makes "...:05Z" sort after "...:05.123Z" and breaks sub-second
// cutoff comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    path TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    mtime TEXT NOT NULL,     -- UTC, fixed-width RFC3339
    last_sync TEXT NOT NULL  -- UTC, fixed-width RFC3339
);

CREATE INDEX IF NOT EXISTS idx_cache_hash ON cache_entries(hash);
CREATE INDEX IF NOT EXISTS idx_cache_last_sync ON cache_entries(last_sync);
`

// Entry records the state of a local path as of its last successful sync.
// It is never a source of truth by itself: callers must re-hash current
// bytes before trusting it.
type Entry struct {
	Path     string
	Hash     string
	Size     int64
	MTime    time.Time
	LastSync time.Time
}

// ContentCache is two-tiered: a persistent entry table keyed by local path,
// and a bounded in-memory LRU of raw chunk bytes keyed by content hash.
// No coherency contract links the tiers.
type ContentCache struct {
	db     *sqlx.DB
	mu     sync.RWMutex
	memory *chunkLRU
}

// New opens (or creates) the cache database and allocates the chunk LRU
// with the given byte budget.
func New(dbPath string, memoryBudget int64) (*ContentCache, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open cache db at %s: %w", dbPath, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	return &ContentCache{
		db:     conn,
		memory: newChunkLRU(memoryBudget),
	}, nil
}

func (c *ContentCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// GetEntry returns the entry for path, or nil if none is recorded.
func (c *ContentCache) GetEntry(path string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var row struct {
		Path     string `db:"path"`
		Hash     string `db:"hash"`
		Size     int64  `db:"size"`
		MTime    string `db:"mtime"`
		LastSync string `db:"last_sync"`
	}
	err := c.db.Get(&row, "SELECT path, hash, size, mtime, last_sync FROM cache_entries WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cache entry %s: %w", path, err)
	}

	mtime, err := time.Parse(timeLayout, row.MTime)
	if err != nil {
		return nil, fmt.Errorf("parse mtime for %s: %w", path, err)
	}
	lastSync, err := time.Parse(timeLayout, row.LastSync)
	if err != nil {
		return nil, fmt.Errorf("parse last_sync for %s: %w", path, err)
	}

	return &Entry{
		Path:     row.Path,
		Hash:     row.Hash,
		Size:     row.Size,
		MTime:    mtime,
		LastSync: lastSync,
	}, nil
}

// SetEntry inserts or replaces the entry for entry.Path.
func (c *ContentCache) SetEntry(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cannot set nil entry")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (path, hash, size, mtime, last_sync) VALUES (?, ?, ?, ?, ?)",
		entry.Path, entry.Hash, entry.Size,
		entry.MTime.UTC().Format(timeLayout), entry.LastSync.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set cache entry %s: %w", entry.Path, err)
	}
	return nil
}

func (c *ContentCache) RemoveEntry(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM cache_entries WHERE path = ?", path); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", path, err)
	}
	return nil
}

// Count returns the number of persisted entries.
func (c *ContentCache) Count() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	if err := c.db.Get(&count, "SELECT COUNT(*) FROM cache_entries"); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

// Cleanup evicts entries whose last_sync is older than ttl and returns the
// number of entries removed. A ttl of zero evicts everything synced before now.
func (c *ContentCache) Cleanup(ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-ttl).UTC().Format(timeLayout)
	res, err := c.db.Exec("DELETE FROM cache_entries WHERE last_sync < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetMemory returns the cached chunk bytes for hash, if present.
func (c *ContentCache) GetMemory(hash string) ([]byte, bool) {
	return c.memory.Get(hash)
}

// SetMemory stores chunk bytes keyed by content hash, evicting least
// recently used chunks until the byte budget is respected.
func (c *ContentCache) SetMemory(hash string, data []byte) {
	c.memory.Set(hash, data)
}

// MemoryBytes reports the bytes currently held by the chunk LRU.
func (c *ContentCache) MemoryBytes() int64 {
	return c.memory.Bytes()
}
