package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinTinyLFUCapacity(t *testing.T) {
	w := NewWinTinyLFU(100)
	for i := 0; i < 1000; i++ {
		w.Put(fmt.Sprintf("%d", i), i)
	}
	assert.LessOrEqual(t, w.Len(), 100)
	assert.Equal(t, w.Len(), w.window.Len()+w.slru.len())
}

func TestWinTinyLFUKeepsHotKeys(t *testing.T) {
	w := NewWinTinyLFU(100)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("hot%d", i)
		w.Put(key, i)
		for j := 0; j < 5; j++ {
			w.Get(key)
		}
	}
	// a scan of cold keys must not flush the hot set
	for i := 0; i < 1000; i++ {
		w.Put(fmt.Sprintf("cold%d", i), i)
	}
	kept := 0
	for i := 0; i < 50; i++ {
		if _, ok := w.Get(fmt.Sprintf("hot%d", i)); ok {
			kept++
		}
	}
	assert.Greater(t, kept, 40)
}

func TestWinTinyLFUUpdateRemove(t *testing.T) {
	w := NewWinTinyLFU(10)
	w.Put("a", 1)
	w.Put("a", 2)
	v, ok := w.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, w.Len())

	w.Remove("a")
	_, ok = w.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, w.Len())
	w.Remove("missing")
}

func TestCache(t *testing.T) {
	c := NewCache(64)
	c.Put(BlockKey(1, 0), "b0")
	c.Put(BlockKey(1, 1), "b1")
	c.Put(BlockKey(2, 0), "other")

	v, ok := c.Get(BlockKey(1, 1))
	require.True(t, ok)
	assert.Equal(t, "b1", v)
	_, ok = c.Get(BlockKey(3, 0))
	assert.False(t, ok)

	c.DropRun(1, 2)
	_, ok = c.Get(BlockKey(1, 0))
	assert.False(t, ok)
	_, ok = c.Get(BlockKey(2, 0))
	assert.True(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(2), misses)

	var disabled *Cache = NewCache(0)
	disabled.Put("k", 1)
	_, ok = disabled.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, disabled.Len())
}
