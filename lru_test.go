package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedStore(t *testing.T) {
	t.Run("PutGetRoundTrips", func(t *testing.T) {
		s := newBoundedStore[string, int](0, nil)
		s.Put("a", 1)
		v, ok := s.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("MissingKeyReportsNotFound", func(t *testing.T) {
		s := newBoundedStore[string, int](0, nil)
		_, ok := s.Get("missing")
		assert.False(t, ok)
	})

	t.Run("EvictionCallbackFiresOnCapacity", func(t *testing.T) {
		var evicted []string
		s := newBoundedStore[string, int](2, func(key string, _ int) {
			evicted = append(evicted, key)
		})
		s.Put("a", 1)
		s.Put("b", 2)
		s.Put("c", 3) // evicts "a", the least recently used

		assert.Equal(t, []string{"a"}, evicted)
		_, ok := s.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("EvictionCallbackFiresOnExplicitRemove", func(t *testing.T) {
		var evicted []string
		s := newBoundedStore[string, int](8, func(key string, _ int) {
			evicted = append(evicted, key)
		})
		s.Put("a", 1)
		s.Remove("a")
		assert.Equal(t, []string{"a"}, evicted)
	})

	t.Run("PurgeClearsEverything", func(t *testing.T) {
		s := newBoundedStore[string, int](8, nil)
		s.Put("a", 1)
		s.Put("b", 2)
		s.Purge()
		assert.Equal(t, 0, s.Len())
	})

	t.Run("DefaultSizeAppliesWhenNonPositive", func(t *testing.T) {
		s := newBoundedStore[string, int](0, nil)
		for i := 0; i < 512; i++ {
			s.Put(string(rune('a'+i%26))+string(rune(i)), i)
		}
		assert.LessOrEqual(t, s.Len(), 512)
	})
}

func TestKeyedIndex(t *testing.T) {
	t.Run("SetGetRoundTrips", func(t *testing.T) {
		idx := newKeyedIndex[string, string]()
		idx.Set("token-1", "event-abc")
		key, ok := idx.Get("token-1")
		require.True(t, ok)
		assert.Equal(t, "event-abc", key)
	})

	t.Run("DeleteByKeyRemovesEntry", func(t *testing.T) {
		idx := newKeyedIndex[string, string]()
		idx.Set("token-1", "event-abc")
		idx.DeleteByKey("token-1")
		_, ok := idx.Get("token-1")
		assert.False(t, ok)
	})

	t.Run("MissingIndexKeyReportsNotFound", func(t *testing.T) {
		idx := newKeyedIndex[string, string]()
		_, ok := idx.Get("nope")
		assert.False(t, ok)
	})
}
