package gateway

import (
	"sync"
	"time"
)

// Pairing exchange limits, per remote address. Codes are high-entropy and
// single-use, so the limiter mostly keeps brute-force noise out of the
// credential store and the logs.
const (
	pairRatePerMinute = 12
	pairBurst         = 5
)

// tokenBucket is a minimal token-bucket rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(perMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// addrLimiter keeps one bucket per remote address. Stale buckets are swept
// inline on the next call after sweepInterval so the table cannot grow
// without bound.
type addrLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	perMinute int
	burst     int
	lastSweep time.Time
}

const sweepInterval = time.Hour

func newAddrLimiter(perMinute, burst int) *addrLimiter {
	return &addrLimiter{
		buckets:   make(map[string]*tokenBucket),
		perMinute: perMinute,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (al *addrLimiter) allow(addr string) bool {
	al.mu.Lock()
	if time.Since(al.lastSweep) > sweepInterval {
		al.sweepLocked()
	}
	b, ok := al.buckets[addr]
	if !ok {
		b = newTokenBucket(al.perMinute, al.burst)
		al.buckets[addr] = b
	}
	al.mu.Unlock()
	return b.allow()
}

func (al *addrLimiter) sweepLocked() {
	cutoff := time.Now().Add(-sweepInterval)
	for addr, b := range al.buckets {
		b.mu.Lock()
		stale := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(al.buckets, addr)
		}
	}
	al.lastSweep = time.Now()
}

func (al *addrLimiter) bucketCount() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.buckets)
}
