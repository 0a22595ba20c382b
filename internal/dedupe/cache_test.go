// ABOUTME: Tests for the request-status TTL cache
// ABOUTME: Verifies status recording, expiry, and size-bounded eviction

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetAndGet(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	_, ok := c.Get("r1")
	assert.False(t, ok)

	c.Set("r1", "running")
	status, ok := c.Get("r1")
	assert.True(t, ok)
	assert.Equal(t, "running", status)

	c.Set("r1", "done")
	status, ok = c.Get("r1")
	assert.True(t, ok)
	assert.Equal(t, "done", status)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	c.Set("r1", "done")
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("r1")
	assert.False(t, ok)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("r%d", i), "done")
	}

	assert.LessOrEqual(t, c.Len(), 3)

	// Newest entries survive
	_, ok := c.Get("r4")
	assert.True(t, ok)
	_, ok = c.Get("r0")
	assert.False(t, ok)
}

func TestCache_SetAfterClose(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Set("r1", "done")
	_, ok := c.Get("r1")
	assert.False(t, ok)
}
