// Package ratelimit implements per-tenant admission control with a sliding
// time window and burst allowance. Two interchangeable backends exist behind
// the same interface: an in-memory limiter for single-instance deployments
// and a Redis sorted-set limiter for fleets sharing one limit. The shared
// backend fails open: if Redis is unreachable the request is admitted and a
// failure counter is incremented, trading strict enforcement for ingestion
// availability.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config is the admission budget for one tenant window.
type Config struct {
	MaxRequests int64         `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Burst       int64         `json:"burst"`
}

// PerMinute returns a config allowing n requests per minute with 10% burst.
func PerMinute(n int64) Config {
	return Config{MaxRequests: n, Window: time.Minute, Burst: n / 10}
}

// Decision is the outcome of one admission check, carrying the values the
// transport layer surfaces as X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int64
	Current    int64
	Remaining  int64
	RetryAfter time.Duration // zero unless rejected
	ResetIn    time.Duration // time until the oldest window entry expires
}

// Limiter is the admission-control capability. Check prunes the tenant's
// window, evaluates it against the configured budget and, when admitting,
// records the request with the given weight (batch submissions weigh their
// record count). Usage reads the current window without recording.
type Limiter interface {
	Check(ctx context.Context, tenantID string, weight int64) (*Decision, error)
	Usage(ctx context.Context, tenantID string) (*Decision, error)
}

// overrides is the runtime-mutable per-tenant config map shared by the
// concrete limiters. Overrides take precedence over the default config.
type overrides struct {
	mu        sync.RWMutex
	defaults  Config
	perTenant map[string]Config
}

func newOverrides(defaults Config) *overrides {
	return &overrides{defaults: defaults, perTenant: make(map[string]Config)}
}

func (o *overrides) get(tenantID string) Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if cfg, ok := o.perTenant[tenantID]; ok {
		return cfg
	}
	return o.defaults
}

func (o *overrides) set(tenantID string, cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.perTenant[tenantID] = cfg
}

func (o *overrides) remove(tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.perTenant, tenantID)
}
