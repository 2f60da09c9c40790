// Package ratelimit implements a per-key token bucket rate limiter with
// LRU eviction, used by the directory service to throttle write traffic
// per client IP.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// DefaultMaxIPs bounds how many distinct keys are tracked before the
// least recently used one is evicted.
const DefaultMaxIPs = 10000

// IPRateLimiter is a token bucket limiter keyed by client IP (or any
// opaque string). Buckets refill continuously at Rate() tokens per
// second up to Burst().
type IPRateLimiter struct {
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*bucket
	order   []string // LRU order, oldest first
	index   map[string]int
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter allowing rate requests per second with the given
// burst capacity, tracking at most maxKeys distinct keys.
func New(rate, burst float64, maxKeys int) *IPRateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxIPs
	}
	return &IPRateLimiter{
		rate:    rate,
		burst:   burst,
		maxKeys: maxKeys,
		buckets: make(map[string]*bucket),
		index:   make(map[string]int),
	}
}

// Rate returns the refill rate in tokens per second.
func (l *IPRateLimiter) Rate() float64 { return l.rate }

// Burst returns the bucket capacity as a whole number of requests.
func (l *IPRateLimiter) Burst() int { return int(l.burst) }

// Reserve consumes one token for key if available. It returns whether
// the request is allowed, how many whole tokens remain, and — when
// denied — how long until the next token becomes available.
func (l *IPRateLimiter) Reserve(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.insert(key, b)
	} else {
		l.touch(key)
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
		}
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}

	deficit := 1 - b.tokens
	retryAfter = time.Duration(deficit / l.rate * float64(time.Second))
	return false, 0, retryAfter
}

// Tracked returns how many keys currently hold a bucket.
func (l *IPRateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// insert adds a new key, evicting the least recently used one at capacity.
// Caller holds l.mu.
func (l *IPRateLimiter) insert(key string, b *bucket) {
	if len(l.order) >= l.maxKeys && len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.buckets, oldest)
		delete(l.index, oldest)
		l.reindex()
	}
	l.buckets[key] = b
	l.order = append(l.order, key)
	l.index[key] = len(l.order) - 1
}

// touch moves key to the most recently used position. Caller holds l.mu.
func (l *IPRateLimiter) touch(key string) {
	idx, ok := l.index[key]
	if !ok {
		return
	}
	l.order = append(l.order[:idx], l.order[idx+1:]...)
	l.order = append(l.order, key)
	l.reindex()
}

func (l *IPRateLimiter) reindex() {
	for i, k := range l.order {
		l.index[k] = i
	}
}
