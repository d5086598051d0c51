// Package authgate implements the TUIC authentication gate described in
// spec.md §4.3: TLS-exporter-derived token verification plus a per-remote
// rate limiter on authentication attempts.
//
// The limiter is adapted from the teacher's
// pkg/common/ratelimit/rate_limiter.go token-bucket implementation,
// narrowed from its multi-dimensional (per-ip, per-path, global) keying to
// the single dimension spec.md calls for: remote address.
package authgate

import (
	"sync"
	"time"
)

// bucket is one token bucket, refilled continuously at rate per second up
// to capacity.
type bucket struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	updated  time.Time
}

func newBucket(capacity, rate float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, capacity: capacity, rate: rate, updated: now}
}

func (b *bucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.updated).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.updated = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter is a keyed token-bucket rate limiter, one bucket per key
// (spec.md §4.3: "tracked per remote IP address"). Idle buckets are
// reaped so long-running servers don't accumulate one bucket per
// transient attacker forever.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	capacity    float64
	refillSec   float64 // tokens added per second
	idleTimeout time.Duration
}

// NewLimiter builds a Limiter allowing perMinute attempts per key, refilled
// continuously (not reset in a single step at minute boundaries).
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		capacity:    float64(perMinute),
		refillSec:   float64(perMinute) / 60.0,
		idleTimeout: 10 * time.Minute,
	}
}

// Allow reports whether key (typically a remote IP) may make another
// attempt right now, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.capacity, l.refillSec, now)
		l.buckets[key] = b
	}

	if len(l.buckets) > 4096 {
		l.reapLocked(now)
	}

	return b.allow(now)
}

func (l *Limiter) reapLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.updated) > l.idleTimeout {
			delete(l.buckets, k)
		}
	}
}
