// Package ratelimit implements per-domain token bucket pacing for
// outbound fetches. Robots crawl-delay directives tighten a domain's
// rate below the configured default; they never loosen it.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the domain, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	return nil
}

// ApplyMinDelay tightens a domain's limit to at most one request per
// minDelay. No-op when the domain is already slower.
func (l *Limiter) ApplyMinDelay(domain string, minDelay time.Duration) {
	if minDelay <= 0 {
		return
	}
	want := rate.Limit(float64(time.Second) / float64(minDelay))
	if want > l.defaultRate {
		want = l.defaultRate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if !exists {
		l.limiters[domain] = rate.NewLimiter(want, 1)
		return
	}
	if limiter.Limit() > want {
		limiter.SetLimit(want)
		limiter.SetBurst(1)
	}
}

// Rate reports the current limit for a domain; domains never seen get
// the default.
func (l *Limiter) Rate(domain string) rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[domain]; exists {
		return limiter.Limit()
	}
	return l.defaultRate
}
