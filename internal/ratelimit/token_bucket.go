package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilled at an integer rate
// (tokens/sec) from a provided Clock.
//
// Token amounts are tracked in nanotoken fixed point (1 token = 1e9
// nanotokens) so refill math stays exact: a rate of N tokens/sec adds exactly
// N nanotokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nanotokens
	last      time.Time
}

const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: saturatingNanos(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. Requests for zero or negative token
// counts always succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := saturatingNanos(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNanos := saturatingNanos(b.capacity)
	need := capNanos - b.available
	if need <= 0 {
		b.available = capNanos
		return
	}

	// rate tokens/sec equals rate nanotokens/ns. Clamp instead of overflowing
	// when enough time has passed to fill the bucket outright.
	if fillTime := need / b.rate; elapsed >= fillTime {
		b.available = capNanos
		return
	}
	b.available += elapsed * b.rate
	if b.available > capNanos {
		b.available = capNanos
	}
}

func saturatingNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
