package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(m *MemoryLimiter, key string, n int) int {
	allowed := 0
	for i := 0; i < n; i++ {
		if ok, _ := m.Allow(context.Background(), key); ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	assert.Equal(t, 3, allowN(m, "user:a", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(m, "user:a", 3))

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(m, "user:a", 2), "half a second at 2 rps buys one token")
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 1000, 3)
	allowN(m, "k", 1)
	clock.Advance(time.Hour)
	assert.Equal(t, 3, allowN(m, "k", 5))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	assert.Equal(t, 1, allowN(m, "ip:10.0.0.1", 2))
	assert.Equal(t, 1, allowN(m, "ip:10.0.0.2", 2))
}

func TestMemoryLimiterZeroBurstDenies(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 0)
	assert.Equal(t, 0, allowN(m, "k", 3))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0.001, 50)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	allowN(m, "idle", 1)
	clock.Advance(staleAfter + time.Second)
	allowN(m, "active", 1)

	m.mu.Lock()
	m.evictLocked(clock.Now())
	_, idle := m.buckets["idle"]
	_, active := m.buckets["active"]
	m.mu.Unlock()

	assert.False(t, idle)
	assert.True(t, active)
}

func TestMemoryLimiterBoundsKeys(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	m.maxKeys = 2

	allowN(m, "first", 1)
	clock.Advance(time.Second)
	allowN(m, "second", 1)
	clock.Advance(time.Second)
	allowN(m, "third", 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.buckets, 2)
	assert.NotContains(t, m.buckets, "first", "least recently seen key is dropped")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
