package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Local is the in-memory limiter for single-instance deployments. Each
// tenant owns a time-ordered slice of admitted-request timestamps; pruning
// drops everything older than the window on every evaluation.
type Local struct {
	cfg *overrides

	mu      sync.Mutex
	windows map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewLocal(defaults Config) *Local {
	return &Local{
		cfg:     newOverrides(defaults),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetOverride installs a per-tenant config at runtime.
func (l *Local) SetOverride(tenantID string, cfg Config) { l.cfg.set(tenantID, cfg) }

// RemoveOverride reverts a tenant to the default config.
func (l *Local) RemoveOverride(tenantID string) { l.cfg.remove(tenantID) }

func (l *Local) Check(ctx context.Context, tenantID string, weight int64) (*Decision, error) {
	return l.evaluate(tenantID, weight, true), nil
}

func (l *Local) Usage(ctx context.Context, tenantID string) (*Decision, error) {
	return l.evaluate(tenantID, 0, false), nil
}

func (l *Local) evaluate(tenantID string, weight int64, record bool) *Decision {
	cfg := l.cfg.get(tenantID)
	w := l.window(tenantID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-cfg.Window)

	// Prune entries that slid out of the window. Stamps are appended in
	// time order, so the survivors are a suffix.
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	w.stamps = w.stamps[keep:]

	current := int64(len(w.stamps))
	d := &Decision{Limit: cfg.MaxRequests, Current: current}

	if record && current+weight <= cfg.MaxRequests+cfg.Burst {
		d.Allowed = true
		for i := int64(0); i < weight; i++ {
			w.stamps = append(w.stamps, now)
		}
		d.Current = current + weight
	} else if !record {
		d.Allowed = current < cfg.MaxRequests+cfg.Burst
	}

	d.Remaining = cfg.MaxRequests - d.Current
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if len(w.stamps) > 0 {
		d.ResetIn = cfg.Window - now.Sub(w.stamps[0])
		if d.ResetIn < 0 {
			d.ResetIn = 0
		}
	}
	if record && !d.Allowed {
		d.RetryAfter = d.ResetIn
		// A rejection against an empty window means the weight alone exceeds
		// capacity; a zero RetryAfter would invite an immediate retry.
		if d.RetryAfter <= 0 {
			d.RetryAfter = cfg.Window
		}
	}
	return d
}

func (l *Local) window(tenantID string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[tenantID]
	if !ok {
		w = &window{}
		l.windows[tenantID] = w
	}
	return w
}
