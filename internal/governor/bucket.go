package governor

import "time"

// TokenBucket governs burst eligibility. Tokens accumulate with elapsed
// time up to the cap and one is spent per granted burst. Refill is
// lazy; nothing ticks in the background.
type TokenBucket struct {
	tokens     float64
	max        float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket creates an empty bucket.
func NewTokenBucket(max, refillPerSec float64) *TokenBucket {
	return &TokenBucket{max: max, refillRate: refillPerSec}
}

// Fill sets the bucket to capacity.
func (b *TokenBucket) Fill(now time.Time) {
	b.tokens = b.max
	b.lastRefill = now
}

// TryTake consumes one token if available.
func (b *TokenBucket) TryTake(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count after a lazy refill.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

func (b *TokenBucket) refill(now time.Time) {
	if b.lastRefill.IsZero() {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
