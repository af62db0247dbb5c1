package mem_cache

import (
	"hash/maphash"
	"sync/atomic"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/concurrent_lru"
)

const (
	shardSize = 64
)

var _ cache.Backend = (*MemCache)(nil)

// MemCache is an in-memory cache.Backend. Once full, the least recently
// used entry of a shard is dropped to make room.
type MemCache struct {
	closed uint32
	lru    *concurrent_lru.ShardedLRU[cache.Key, *cache.Entry]
}

// NewMemCache returns a MemCache that holds roughly size entries.
func NewMemCache(size int) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	seed := maphash.MakeSeed()
	return &MemCache{
		lru: concurrent_lru.NewShardedLRU[cache.Key, *cache.Entry](
			shardSize,
			sizePerShard,
			func(k cache.Key) uint64 { return maphash.Comparable(seed, k) },
			nil,
		),
	}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close drops all entries. A closed MemCache behaves like an empty one.
func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.lru.Clean(func(cache.Key, *cache.Entry) bool { return true })
	}
	return nil
}

func (c *MemCache) Get(key cache.Key) (*cache.Entry, bool) {
	if c.isClosed() {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *MemCache) Put(key cache.Key, e *cache.Entry) {
	if c.isClosed() {
		return
	}
	c.lru.Add(key, e)
}

func (c *MemCache) Delete(key cache.Key) {
	c.lru.Del(key)
}

func (c *MemCache) Keys() []cache.Key {
	keys := make([]cache.Key, 0, c.lru.Len())
	c.lru.Range(func(k cache.Key, _ *cache.Entry) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (c *MemCache) Range(f func(key cache.Key, e *cache.Entry) bool) {
	c.lru.Range(f)
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
