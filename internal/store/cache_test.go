package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionedCache_BumpClearsEntries(t *testing.T) {
	c := NewVersionedCache[string, int](8)

	v := c.Version()
	c.Add(v, "a", 1)
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	next := c.Bump()
	assert.Equal(t, v+1, next)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestVersionedCache_StalePublishIsDiscarded(t *testing.T) {
	c := NewVersionedCache[string, int](8)

	// Given: a reader captured the version before a write happened
	stale := c.Version()
	c.Bump()

	// When: the reader publishes what it loaded
	c.Add(stale, "a", 1)

	// Then: the stale value is not served
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestVersionedCache_EvictsBeyondSize(t *testing.T) {
	c := NewVersionedCache[int, int](2)
	v := c.Version()
	c.Add(v, 1, 1)
	c.Add(v, 2, 2)
	c.Add(v, 3, 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
}
