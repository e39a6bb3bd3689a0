package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// chunkLRU bounds raw chunk bytes by a byte budget rather than an entry
// count. Identical chunks are stored once regardless of source file.
type chunkLRU struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[string, []byte]
	budget int64
	bytes  int64
}

func newChunkLRU(budget int64) *chunkLRU {
	c := &chunkLRU{budget: budget}
	// entry count can never exceed the byte budget since chunks are non-empty
	l, err := simplelru.NewLRU(int(budget), func(_ string, value []byte) {
		c.bytes -= int64(len(value))
	})
	if err != nil {
		panic(err)
	}
	c.lru = l
	return c
}

func (c *chunkLRU) Get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(hash)
}

func (c *chunkLRU) Set(hash string, data []byte) {
	if int64(len(data)) > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(hash) {
		return
	}
	c.lru.Add(hash, data)
	c.bytes += int64(len(data))

	for c.bytes > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *chunkLRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
