package concurrent_lru

import (
	"sync"

	"github.com/pmkol/fwdcache/pkg/lru"
)

// ShardedLRU spreads keys over several independently locked LRUs.
type ShardedLRU[K comparable, V any] struct {
	hash func(key K) uint64
	l    []*ConcurrentLRU[K, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

// NewShardedLRU creates a ShardedLRU. hash must be deterministic for
// the lifetime of the ShardedLRU.
func NewShardedLRU[K comparable, V any](
	shardNum, maxSizePerShard int,
	hash func(key K) uint64,
	onEvict func(key K, v V),
) *ShardedLRU[K, V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}
	if hash == nil {
		panic("nil hash func")
	}

	cl := &ShardedLRU[K, V]{
		hash: hash,
		l:    make([]*ConcurrentLRU[K, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[K, V](maxSizePerShard, onEvict)
	}
	return cl
}

func (c *ShardedLRU[K, V]) getShard(key K) *ConcurrentLRU[K, V] {
	return c.l[int(c.hash(key)&c.mask)]
}

func (c *ShardedLRU[K, V]) Add(key K, v V) {
	c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[K, V]) Del(key K) {
	c.getShard(key).Del(key)
}

func (c *ShardedLRU[K, V]) Get(key K) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

func (c *ShardedLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return
}

// Range calls f on every key shard by shard. Each shard is locked while it
// is being iterated, so f must not call back into c.
func (c *ShardedLRU[K, V]) Range(f func(key K, v V) bool) {
	for _, shard := range c.l {
		stop := false
		shard.Range(func(key K, v V) bool {
			if !f(key, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

func (c *ShardedLRU[K, V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// -----------------------------

type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](
	maxSize int,
	onEvict func(key K, v V),
) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		lru: lru.NewLRU[K, V](maxSize, onEvict),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.Lock()
	c.lru.Add(key, v)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Del(key K) {
	c.Lock()
	c.lru.Del(key)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.Lock()
	v, ok = c.lru.Get(key)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.Lock()
	removed = c.lru.Clean(f)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Range(f func(key K, v V) bool) {
	c.Lock()
	defer c.Unlock()
	c.lru.Range(f)
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()
	return n
}
