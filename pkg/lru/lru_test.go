package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys[K comparable, V any](q *LRU[K, V]) []K {
	var ks []K
	q.Range(func(key K, _ V) bool {
		ks = append(ks, key)
		return true
	})
	return ks
}

func TestLRU(t *testing.T) {
	var evicted []int
	q := NewLRU[int, string](3, func(key int, _ string) { evicted = append(evicted, key) })

	q.Add(1, "a")
	q.Add(2, "b")
	q.Add(3, "c")
	assert.Equal(t, []int{1, 2, 3}, keys(q))

	v, ok := q.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, []int{2, 3, 1}, keys(q))

	// update does not evict
	q.Add(3, "cc")
	assert.Empty(t, evicted)
	assert.Equal(t, []int{2, 1, 3}, keys(q))

	// overflow evicts the oldest
	q.Add(4, "d")
	assert.Equal(t, []int{2}, evicted)
	assert.Equal(t, []int{1, 3, 4}, keys(q))
	assert.Equal(t, 3, q.Len())

	_, ok = q.Peek(1)
	require.True(t, ok)
	assert.Equal(t, []int{1, 3, 4}, keys(q))

	q.Del(3)
	q.Del(100)
	assert.Equal(t, []int{1, 4}, keys(q))

	k, v, ok := q.PopOldest()
	require.True(t, ok)
	assert.Equal(t, 1, k)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, q.Len())
}

func TestLRU_Clean(t *testing.T) {
	q := NewLRU[int, int](16, nil)
	for i := 0; i < 16; i++ {
		q.Add(i, i)
	}
	removed := q.Clean(func(_ int, v int) bool { return v%2 == 0 })
	assert.Equal(t, 8, removed)
	assert.Equal(t, 8, q.Len())
	for _, k := range keys(q) {
		assert.Equal(t, 1, k%2)
	}

	q.Clean(func(int, int) bool { return true })
	_, _, ok := q.PopOldest()
	assert.False(t, ok)
}

func TestLRU_invalidSize(t *testing.T) {
	assert.Panics(t, func() { NewLRU[int, int](0, nil) })
}
