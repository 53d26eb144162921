// Package robots maintains per-domain crawl permission and rate-limit
// state derived from robots.txt, refreshed on a TTL. Fetch errors are
// treated conservatively as disallowed until the TTL forces a re-check.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/schedule"
)

// State is the robots lifecycle state for a domain.
type State string

// Robots states.
const (
	StateUnfetched  State = "unfetched"
	StateAllowed    State = "allowed"
	StateDisallowed State = "disallowed"
	StateError      State = "error"
)

// Policy is the cached per-domain verdict.
type Policy struct {
	State     State         `json:"state"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
	MinDelay  time.Duration `json:"min_delay"`
}

// Expired reports whether the policy must be re-fetched.
func (p Policy) Expired(now time.Time) bool {
	return p.State == StateUnfetched || now.Sub(p.FetchedAt) >= p.TTL
}

// Config controls the cache.
type Config struct {
	UserAgent string
	TTL       time.Duration
	Timeout   time.Duration

	// URLForDomain overrides where robots.txt is fetched from, keyed by
	// domain. Tests point it at an httptest server.
	URLForDomain func(domain string) string
}

// Cache fetches and caches robots policies per domain.
type Cache struct {
	mu       sync.Mutex
	policies map[string]Policy
	client   *http.Client
	cfg      Config
	clock    directory.Clock
	logger   *zap.Logger
}

// New builds a Cache. TTL defaults to 24h, the fetch timeout to 10s.
func New(cfg Config, clock directory.Clock, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "placemerge-bot/1.0"
	}
	return &Cache{
		policies: make(map[string]Policy),
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Check returns the current policy for domain, fetching robots.txt when
// the cached entry is missing or expired. Errors degrade to a cached
// StateError policy rather than propagating; callers see only states.
func (c *Cache) Check(ctx context.Context, domain string) Policy {
	key := strings.ToLower(domain)
	now := c.clock.Now()

	c.mu.Lock()
	policy, ok := c.policies[key]
	if ok && !policy.Expired(now) {
		c.mu.Unlock()
		return policy
	}
	c.mu.Unlock()

	policy = c.fetch(ctx, key, now)

	c.mu.Lock()
	c.policies[key] = policy
	c.mu.Unlock()
	return policy
}

// Allowed reports whether tasks for domain may be scheduled, and the
// minimum inter-request delay the domain declares. StateError counts as
// disallowed until TTL expiry.
func (c *Cache) Allowed(ctx context.Context, domain string) (bool, time.Duration) {
	policy := c.Check(ctx, domain)
	return policy.State == StateAllowed, policy.MinDelay
}

// Gate implements schedule.RobotsGate: a domain passes only in
// StateAllowed, and denied domains report when the cached policy
// expires so the scheduler can defer the task until re-check.
func (c *Cache) Gate(ctx context.Context, domain string) schedule.Verdict {
	policy := c.Check(ctx, domain)
	return schedule.Verdict{
		Allowed:   policy.State == StateAllowed,
		MinDelay:  policy.MinDelay,
		RecheckAt: policy.FetchedAt.Add(policy.TTL),
	}
}

// Snapshot returns a copy of the cached policies keyed by domain.
func (c *Cache) Snapshot() map[string]Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Policy, len(c.policies))
	for k, v := range c.policies {
		out[k] = v
	}
	return out
}

func (c *Cache) fetch(ctx context.Context, domain string, now time.Time) Policy {
	robotsURL := fmt.Sprintf("https://%s/robots.txt", domain)
	if c.cfg.URLForDomain != nil {
		robotsURL = c.cfg.URLForDomain(domain)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return c.errorPolicy(domain, now, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return c.errorPolicy(domain, now, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return c.errorPolicy(domain, now, fmt.Errorf("robots.txt returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.errorPolicy(domain, now, err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return c.errorPolicy(domain, now, err)
	}

	group := data.FindGroup(c.cfg.UserAgent)
	state := StateAllowed
	var minDelay time.Duration
	if group != nil {
		if !group.Test("/") {
			state = StateDisallowed
		}
		minDelay = group.CrawlDelay
	}

	if state == StateDisallowed {
		c.logger.Info("robots disallows domain", zap.String("domain", domain))
	}
	return Policy{State: state, FetchedAt: now, TTL: c.cfg.TTL, MinDelay: minDelay}
}

func (c *Cache) errorPolicy(domain string, now time.Time, err error) Policy {
	c.logger.Warn("robots fetch failed; treating domain as disallowed",
		zap.String("domain", domain),
		zap.Error(err),
	)
	return Policy{State: StateError, FetchedAt: now, TTL: c.cfg.TTL}
}
