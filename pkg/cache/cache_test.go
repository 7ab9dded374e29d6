package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_RoundTrip(t *testing.T) {
	c := New()

	c.Set("key", "value", time.Second)

	v, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestCache_Expiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("key", "value", time.Second)

	// Still fresh just inside the TTL.
	now = now.Add(time.Second)
	_, ok := c.Get("key")
	assert.True(t, ok)

	// Past the TTL the entry is evicted and reported as a miss.
	now = now.Add(time.Millisecond)
	_, ok = c.Get("key")
	assert.False(t, ok)

	// A subsequent Set with the same key succeeds cleanly.
	c.Set("key", "fresh", time.Second)
	v, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestCache_NoSlidingExpiration(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("key", "value", 2*time.Second)

	// Reads do not refresh the TTL.
	now = now.Add(1500 * time.Millisecond)
	_, ok := c.Get("key")
	require.True(t, ok)

	now = now.Add(time.Second)
	_, ok = c.Get("key")
	assert.False(t, ok)
}

func TestCache_SetOverwrites(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("key", "old", time.Millisecond)
	now = now.Add(time.Second) // entry is long expired

	c.Set("key", "new", time.Minute)
	v, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestCache_Invalidate(t *testing.T) {
	c := New()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestCache_InvalidateAll(t *testing.T) {
	c := New()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.InvalidateAll()

	assert.Equal(t, 0, c.Stats().CurrentSize)
}

func TestCache_InvalidateMatching(t *testing.T) {
	c := New()
	c.Set("server-1:library/metadata/42", 1, time.Minute)
	c.Set("server-1:library/sections", 2, time.Minute)
	c.Set("server-2:library/metadata/42", 3, time.Minute)

	removed := c.InvalidateMatching("server-1:")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("server-1:library/metadata/42")
	assert.False(t, ok)
	_, ok = c.Get("server-2:library/metadata/42")
	assert.True(t, ok)
}

func TestCache_Stats(t *testing.T) {
	c := New()

	c.Set("key", "value", time.Minute)
	c.Get("key")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d", j%10)
				c.Set(key, n, time.Minute)
				c.Get(key)
				if j%25 == 0 {
					c.InvalidateMatching("key-1")
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestGetTyped(t *testing.T) {
	c := New()
	c.Set("int", 42, time.Minute)

	v, ok := GetTyped[int](c, "int")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	// Wrong type is a miss, not a panic.
	_, ok = GetTyped[string](c, "int")
	assert.False(t, ok)

	_, ok = GetTyped[int](c, "missing")
	assert.False(t, ok)
}
