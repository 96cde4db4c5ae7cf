package resilience

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFallbackCache_SetGet(t *testing.T) {
	cache := NewFallbackCache(10)

	cache.Set("key1", "value1", time.Minute)

	value, ok := cache.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", value)

	_, ok = cache.Get("missing")
	assert.False(t, ok)
}

func TestFallbackCache_Expiry(t *testing.T) {
	cache := NewFallbackCache(10)

	cache.Set("key1", "value1", 10*time.Millisecond)

	value, ok := cache.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", value)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("key1")
	assert.False(t, ok, "expired entry should be a miss")
	assert.Equal(t, 0, cache.Size(), "expired entry should be purged on access")
}

func TestFallbackCache_BoundedSize(t *testing.T) {
	cache := NewFallbackCache(5)

	for i := 0; i < 20; i++ {
		cache.Set(fmt.Sprintf("key%d", i), i, time.Minute)
	}

	assert.Equal(t, 5, cache.Size(), "cache must never exceed max size")

	// The most recent entries survive.
	value, ok := cache.Get("key19")
	assert.True(t, ok)
	assert.Equal(t, 19, value)

	_, ok = cache.Get("key0")
	assert.False(t, ok, "oldest entries should have been evicted")
}

func TestFallbackCache_LRUEviction(t *testing.T) {
	cache := NewFallbackCache(3)

	cache.Set("a", 1, time.Minute)
	cache.Set("b", 2, time.Minute)
	cache.Set("c", 3, time.Minute)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := cache.Get("a")
	assert.True(t, ok)

	cache.Set("d", 4, time.Minute)

	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	_, ok = cache.Get("a")
	assert.True(t, ok, "recently read entry should survive eviction")
}

func TestFallbackCache_Overwrite(t *testing.T) {
	cache := NewFallbackCache(10)

	cache.Set("key1", "old", time.Minute)
	cache.Set("key1", "new", time.Minute)

	value, ok := cache.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "new", value)
	assert.Equal(t, 1, cache.Size())
}

func TestFallbackCache_DeleteAndClear(t *testing.T) {
	cache := NewFallbackCache(10)

	cache.Set("key1", "value1", time.Minute)
	cache.Set("key2", "value2", time.Minute)

	cache.Delete("key1")
	_, ok := cache.Get("key1")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}
