package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// staleAfter is how long a key may sit idle before its bucket is dropped.
	// An idle bucket refills to burst well within this window, so dropping it
	// never changes a decision.
	staleAfter = 10 * time.Minute

	// defaultMaxKeys bounds memory when webhooks are hit from many addresses.
	defaultMaxKeys = 100_000
)

// bucket is a single token bucket for one caller key.
type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-process token bucket limiter, one bucket per key.
// It is the default when no Redis URL is configured; limits are not shared
// between replicas.
type MemoryLimiter struct {
	rate    float64 // tokens added per second
	burst   float64 // bucket capacity
	maxKeys int
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key with bursts up to burst. A background goroutine evicts idle
// keys every minute; call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		maxKeys: defaultMaxKeys,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket. A new key starts with a full
// bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= m.maxKeys {
			m.evictLocked(now)
		}
		m.buckets[key] = &bucket{tokens: m.burst - 1, seen: now}
		return m.burst >= 1, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
	b.seen = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.evictLocked(m.now())
			m.mu.Unlock()
		}
	}
}

// evictLocked drops idle buckets. If every key is active and the map is
// still full, the least recently seen bucket goes.
func (m *MemoryLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-staleAfter)
	var oldestKey string
	var oldest time.Time
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
			continue
		}
		if oldestKey == "" || b.seen.Before(oldest) {
			oldestKey, oldest = key, b.seen
		}
	}
	if len(m.buckets) >= m.maxKeys && oldestKey != "" {
		delete(m.buckets, oldestKey)
	}
}
