package bridge

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// boundedStore wraps a primary hashicorp/golang-lru/v2 cache together with an
// optional secondary index, mirroring LeJamon-goXRPLd's manager/cache.go
// dual-cache shape (recentBySeq / recentByHash kept in sync under one lock)
// but generalized to arbitrary key/value types and driven by the library's
// own eviction callback instead of a second manual Remove call.
//
// The bridge uses this for every bounded store spec §4 calls for: the client
// correlation store (outer event id -> pending request, indexed by progress
// token), the server session store (client pubkey -> session), the server
// route store (outer event id -> pending route, indexed by progress token),
// and the wallet's in-flight invoice/verification caches.
type boundedStore[K comparable, V any] struct {
	cache *lru.Cache[K, V]

	// onEvict, if set, is invoked synchronously whenever the primary cache
	// evicts an entry (capacity eviction or explicit Remove), so callers can
	// keep a secondary index (e.g. progressToken -> key) consistent.
	onEvict func(key K, value V)
}

// newBoundedStore constructs a store capped at size entries (size <= 0
// defaults to 512, matching typical per-client correlation-store bounds).
func newBoundedStore[K comparable, V any](size int, onEvict func(K, V)) *boundedStore[K, V] {
	if size <= 0 {
		size = 512
	}
	s := &boundedStore[K, V]{onEvict: onEvict}
	cache, _ := lru.NewWithEvict(size, func(key K, value V) {
		if s.onEvict != nil {
			s.onEvict(key, value)
		}
	})
	s.cache = cache
	return s
}

func (s *boundedStore[K, V]) Put(key K, value V) {
	s.cache.Add(key, value)
}

func (s *boundedStore[K, V]) Get(key K) (V, bool) {
	return s.cache.Get(key)
}

func (s *boundedStore[K, V]) Peek(key K) (V, bool) {
	return s.cache.Peek(key)
}

func (s *boundedStore[K, V]) Remove(key K) {
	s.cache.Remove(key)
}

func (s *boundedStore[K, V]) Len() int {
	return s.cache.Len()
}

func (s *boundedStore[K, V]) Purge() {
	s.cache.Purge()
}

// keyedIndex is a small secondary index (e.g. progressToken -> correlation
// key) kept in sync via boundedStore's onEvict hook. Not itself bounded: it
// tracks at most as many entries as its owning boundedStore.
type keyedIndex[IK comparable, K comparable] struct {
	byIndex map[IK]K
}

func newKeyedIndex[IK comparable, K comparable]() *keyedIndex[IK, K] {
	return &keyedIndex[IK, K]{byIndex: make(map[IK]K)}
}

func (idx *keyedIndex[IK, K]) Set(indexKey IK, key K) {
	idx.byIndex[indexKey] = key
}

func (idx *keyedIndex[IK, K]) Get(indexKey IK) (K, bool) {
	k, ok := idx.byIndex[indexKey]
	return k, ok
}

func (idx *keyedIndex[IK, K]) DeleteByKey(indexKey IK) {
	delete(idx.byIndex, indexKey)
}
