package lru

import (
	"fmt"
)

// LRU is a size bounded map that evicts the least recently used key.
// It is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	// root is a sentinel. root.next is the oldest elem, root.prev the newest.
	root elem[K, V]
	m    map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	q := &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V]),
	}
	q.root.next = &q.root
	q.root.prev = &q.root
	return q
}

// Add adds or updates key. Updating does not call onEvict.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.moveToBack(e)
		return
	}

	// Reuse the oldest elem if full.
	if len(q.m) >= q.maxSize {
		e := q.root.next
		delete(q.m, e.key)
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		e.key, e.v = key, v
		q.m[key] = e
		q.moveToBack(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToBack(e)
	return e.v, true
}

// Peek is like Get but does not update the recency of key.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

// Del removes key. onEvict is called if key exists.
func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.delElem(e)
}

func (q *LRU[K, V]) PopOldest() (key K, v V, ok bool) {
	e := q.root.next
	if e == &q.root {
		return
	}
	q.unlink(e)
	delete(q.m, e.key)
	return e.key, e.v, true
}

// Clean removes all keys that f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.root.next; e != &q.root; {
		next := e.next
		if f(e.key, e.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Range calls f on every key from the oldest to the newest until f returns false.
// f must not modify q.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.root.next; e != &q.root; e = e.next {
		if !f(e.key, e.v) {
			return
		}
	}
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) delElem(e *elem[K, V]) {
	q.unlink(e)
	delete(q.m, e.key)
	if q.onEvict != nil {
		q.onEvict(e.key, e.v)
	}
}

func (q *LRU[K, V]) pushBack(e *elem[K, V]) {
	last := q.root.prev
	e.prev = last
	e.next = &q.root
	last.next = e
	q.root.prev = e
}

func (q *LRU[K, V]) unlink(e *elem[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (q *LRU[K, V]) moveToBack(e *elem[K, V]) {
	if q.root.prev == e {
		return
	}
	q.unlink(e)
	q.pushBack(e)
}
