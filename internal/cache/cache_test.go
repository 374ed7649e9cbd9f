package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_StoreRetrieve(t *testing.T) {
	c := New(10)

	c.Store("stream:graph", "v1", time.Minute)
	assert.Equal(t, "v1", c.Retrieve("stream:graph"))

	c.Store("stream:graph", "v2", time.Minute)
	assert.Equal(t, "v2", c.Retrieve("stream:graph"), "store overwrites")

	assert.Nil(t, c.Retrieve("missing"))
}

func TestCache_TTLBoundary(t *testing.T) {
	c := New(10)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	c.Store("stream:analytics", 42, 600*time.Second)

	now = base.Add(599 * time.Second)
	assert.Equal(t, 42, c.Retrieve("stream:analytics"), "still live at ttl-1s")

	now = base.Add(601 * time.Second)
	assert.Nil(t, c.Retrieve("stream:analytics"), "expired at ttl+1s")

	// Expired entry was pruned on read.
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLeastRecentlyStored(t *testing.T) {
	c := New(3)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		c.Store(fmt.Sprintf("k%d", i), i, time.Hour)
		now = now.Add(time.Second)
	}

	c.Store("k3", 3, time.Hour)

	assert.Equal(t, 3, c.Len())
	assert.Nil(t, c.Retrieve("k0"), "oldest-stored entry evicted first")
	assert.Equal(t, 1, c.Retrieve("k1"))
	assert.Equal(t, 3, c.Retrieve("k3"))
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c := New(2)
	c.Store("a", 1, time.Hour)
	c.Store("b", 2, time.Hour)

	// Overwriting an existing key must not push anything out.
	c.Store("a", 10, time.Hour)

	assert.Equal(t, 10, c.Retrieve("a"))
	assert.Equal(t, 2, c.Retrieve("b"))
}

func TestCache_Clear(t *testing.T) {
	c := New(4)
	c.Store("a", 1, time.Hour)
	c.Clear()
	assert.Nil(t, c.Retrieve("a"))
	assert.Equal(t, 0, c.Len())
}
