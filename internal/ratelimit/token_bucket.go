package ratelimit

import (
	"sync"
	"time"
)

// One token is tracked as 1e9 nano-tokens, so a refill rate of N tokens/sec
// adds exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket with an integer refill rate.
//
// A nil *TokenBucket allows everything, which is how callers express
// "unlimited".
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills at
// ratePerSecond.
func NewTokenBucket(clock Clock, capacity, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	c := toNano(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: c,
		rate:     ratePerSecond,
		avail:    c,
		last:     clock.Now(),
	}
}

// NewMessageLimiter returns a bucket allowing perSecond messages per second
// with a burst of the same size, or nil when perSecond <= 0.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that went backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		if b.avail > b.capacity {
			b.avail = b.capacity
		}
		return
	}

	missing := b.capacity - b.avail
	// Compare before multiplying so elapsed*rate cannot overflow.
	if elapsed.Nanoseconds() >= missing/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed.Nanoseconds() * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
