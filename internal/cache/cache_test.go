package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *ContentCache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "cache.db"), 1024)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEntryCRUD(t *testing.T) {
	c := newTestCache(t)

	got, err := c.GetEntry("/tmp/missing.txt")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now()
	entry := &Entry{
		Path:     "/tmp/file.txt",
		Hash:     "abc123",
		Size:     42,
		MTime:    now.Add(-time.Minute),
		LastSync: now,
	}
	require.NoError(t, c.SetEntry(entry))

	got, err = c.GetEntry("/tmp/file.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Hash, got.Hash)
	assert.Equal(t, entry.Size, got.Size)
	assert.WithinDuration(t, entry.MTime, got.MTime, time.Millisecond)
	assert.WithinDuration(t, entry.LastSync, got.LastSync, time.Millisecond)

	// replace keeps one row per path
	entry.Hash = "def456"
	require.NoError(t, c.SetEntry(entry))
	count, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, c.RemoveEntry("/tmp/file.txt"))
	got, err = c.GetEntry("/tmp/file.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEntriesSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	c, err := New(dbPath, 1024)
	require.NoError(t, err)
	require.NoError(t, c.SetEntry(&Entry{
		Path: "/p", Hash: "h", Size: 1,
		MTime: time.Now(), LastSync: time.Now(),
	}))
	require.NoError(t, c.Close())

	c2, err := New(dbPath, 1024)
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.GetEntry("/p")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h", got.Hash)
}

func TestCleanupTTL(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.SetEntry(&Entry{
		Path: "/old", Hash: "h", Size: 1,
		MTime: time.Now(), LastSync: time.Now().Add(-time.Millisecond),
	}))

	// TTL greater than elapsed time retains the entry
	removed, err := c.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)

	// zero TTL removes it immediately
	removed, err = c.Cleanup(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	got, err := c.GetEntry("/old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupEvictsWholeSecondTimestamps(t *testing.T) {
	c := newTestCache(t)

	// A last_sync with no fractional part must still compare below a
	// same-second cutoff that carries one.
	require.NoError(t, c.SetEntry(&Entry{
		Path: "/whole", Hash: "h", Size: 1,
		MTime: time.Now(), LastSync: time.Now().Truncate(time.Second),
	}))

	removed, err := c.Cleanup(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	got, err := c.GetEntry("/whole")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryTier(t *testing.T) {
	c := newTestCache(t)

	_, ok := c.GetMemory("nope")
	assert.False(t, ok)

	c.SetMemory("k1", []byte("chunk data"))
	data, ok := c.GetMemory("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("chunk data"), data)
	assert.EqualValues(t, 10, c.MemoryBytes())

	// same hash stored once
	c.SetMemory("k1", []byte("chunk data"))
	assert.EqualValues(t, 10, c.MemoryBytes())
}

func TestMemoryByteBudgetEviction(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "cache.db"), 100)
	require.NoError(t, err)
	defer c.Close()

	c.SetMemory("a", make([]byte, 60))
	c.SetMemory("b", make([]byte, 60))

	assert.LessOrEqual(t, c.MemoryBytes(), int64(100))
	_, okA := c.GetMemory("a")
	_, okB := c.GetMemory("b")
	assert.False(t, okA, "oldest chunk should be evicted")
	assert.True(t, okB)

	// a chunk larger than the whole budget is not admitted
	c.SetMemory("huge", make([]byte, 200))
	_, ok := c.GetMemory("huge")
	assert.False(t, ok)
}
