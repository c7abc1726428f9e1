package safemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load("x")
	assert.False(t, ok)
}

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("store and load", func(t *testing.T) {
		m.Store("a", 1)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		assert.True(t, m.Has("a"))
	})

	t.Run("missing key yields zero value", func(t *testing.T) {
		v, ok := m.Load("missing")
		assert.False(t, ok)
		assert.Zero(t, v)
	})

	t.Run("delete", func(t *testing.T) {
		m.Delete("a")
		assert.False(t, m.Has("a"))
		m.Delete("a")
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[int, string]()

	v, loaded := m.LoadOrStore(1, "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", v)

	v, loaded = m.LoadOrStore(1, "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", v)

	t.Run("one concurrent caller wins", func(t *testing.T) {
		m := NewSafeMap[int, int]()
		var wg sync.WaitGroup
		var mu sync.Mutex
		stored := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, loaded := m.LoadOrStore(7, i); !loaded {
					mu.Lock()
					stored++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, stored)
		assert.Equal(t, 1, m.Len())
	})
}

func TestSafeMap_CompareAndDelete(t *testing.T) {
	type item struct{ name string }
	a, b := &item{"a"}, &item{"b"}

	m := NewSafeMap[int, *item]()
	m.Store(1, a)

	assert.False(t, m.CompareAndDelete(1, b))
	assert.True(t, m.Has(1))

	assert.True(t, m.CompareAndDelete(1, a))
	assert.False(t, m.Has(1))
	assert.False(t, m.CompareAndDelete(1, a))
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("iterates all entries", func(t *testing.T) {
		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(string, int) bool {
			count++
			return count < 2
		})
		assert.Equal(t, 2, count)
	})
}
