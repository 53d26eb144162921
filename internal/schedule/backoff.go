package schedule

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential delays for transient failures.
type Backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoff builds a Backoff with sane defaults when the inputs are
// zero: 30s base, 1h ceiling.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = time.Hour
	}
	return &Backoff{baseDelay: base, maxDelay: max}
}

// Delay returns the wait before the next attempt. The delay doubles per
// attempt, is capped at the ceiling, and carries up to 50% jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
