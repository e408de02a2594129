package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleTTL is how long an operator's bucket survives without requests. A
// returning operator after that starts with a full burst again.
const idleTTL = 10 * time.Minute

// MemoryLimiter keeps one token bucket per key in a go-cache whose entries
// expire after idleTTL without access.
type MemoryLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex // serialises get-or-create on buckets
	buckets *cache.Cache
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter allowing rps sustained requests per
// key with bursts up to burst.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	return newMemoryLimiter(rps, burst, idleTTL)
}

func newMemoryLimiter(rps float64, burst int, ttl time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: cache.New(ttl, min(ttl, time.Minute)),
		now:     time.Now,
	}
}

// Allow consumes one token for key and refreshes the key's expiry.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b *rate.Limiter
	if v, ok := m.buckets.Get(key); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(m.limit, m.burst)
	}
	m.buckets.SetDefault(key, b)
	return b.AllowN(m.now(), 1), nil
}

// Close drops every bucket. The cache's janitor exits once the limiter is
// unreachable.
func (m *MemoryLimiter) Close() error {
	m.buckets.Flush()
	return nil
}

func (m *MemoryLimiter) size() int {
	m.buckets.DeleteExpired()
	return m.buckets.ItemCount()
}
