package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// SortedSetClient is the slice of the Redis API the shared limiter uses.
// *redis.Client satisfies it; tests substitute an in-memory fake.
type SortedSetClient interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Shared is the Redis-backed limiter for multi-instance deployments. The
// tenant key maps to a sorted set of admission timestamps (millisecond
// scores); pruning is an explicit range removal and counting an explicit
// cardinality read, so there is no read-modify-write race between
// instances. Every backend call is bounded by a short timeout and guarded
// by a circuit breaker; on timeout, error or open breaker the limiter fails
// open and counts the failure.
type Shared struct {
	client   SortedSetClient
	cfg      *overrides
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	failures atomic.Int64

	now func() time.Time
}

const defaultBackendTimeout = 250 * time.Millisecond

func NewShared(client SortedSetClient, defaults Config) *Shared {
	settings := gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Shared{
		client:  client,
		cfg:     newOverrides(defaults),
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: defaultBackendTimeout,
		now:     time.Now,
	}
}

func (s *Shared) SetOverride(tenantID string, cfg Config) { s.cfg.set(tenantID, cfg) }
func (s *Shared) RemoveOverride(tenantID string)          { s.cfg.remove(tenantID) }

// Failures reports how many admission checks have failed open since start.
func (s *Shared) Failures() int64 { return s.failures.Load() }

func tenantKey(tenantID string) string {
	return "ratelimit:tenant:" + tenantID
}

func (s *Shared) Check(ctx context.Context, tenantID string, weight int64) (*Decision, error) {
	cfg := s.cfg.get(tenantID)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.check(ctx, tenantID, cfg, weight)
	})
	if err != nil {
		return s.failOpen(ctx, tenantID, cfg, err), nil
	}
	return result.(*Decision), nil
}

func (s *Shared) check(ctx context.Context, tenantID string, cfg Config, weight int64) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := tenantKey(tenantID)
	now := s.now()
	nowMs := now.UnixMilli()
	cutoffMs := now.Add(-cfg.Window).UnixMilli()

	if err := s.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoffMs, 10)).Err(); err != nil {
		return nil, err
	}

	current, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	d := &Decision{Limit: cfg.MaxRequests, Current: current}

	if current+weight <= cfg.MaxRequests+cfg.Burst {
		members := make([]redis.Z, weight)
		for i := range members {
			members[i] = redis.Z{Score: float64(nowMs), Member: uuid.New().String()}
		}
		if err := s.client.ZAdd(ctx, key, members...).Err(); err != nil {
			return nil, err
		}
		if err := s.client.Expire(ctx, key, cfg.Window+time.Minute).Err(); err != nil {
			return nil, err
		}
		d.Allowed = true
		d.Current = current + weight
	}

	d.Remaining = cfg.MaxRequests - d.Current
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	resetIn, err := s.resetIn(ctx, key, cfg, now)
	if err != nil {
		return nil, err
	}
	d.ResetIn = resetIn
	if !d.Allowed {
		d.RetryAfter = resetIn
		// A rejection against an empty set means the weight alone exceeds
		// capacity; a zero RetryAfter would invite an immediate retry.
		if d.RetryAfter <= 0 {
			d.RetryAfter = cfg.Window
		}
	}
	return d, nil
}

func (s *Shared) Usage(ctx context.Context, tenantID string) (*Decision, error) {
	cfg := s.cfg.get(tenantID)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		key := tenantKey(tenantID)
		now := s.now()
		cutoffMs := now.Add(-cfg.Window).UnixMilli()

		if err := s.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoffMs, 10)).Err(); err != nil {
			return nil, err
		}
		current, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}

		d := &Decision{
			Allowed: current < cfg.MaxRequests+cfg.Burst,
			Limit:   cfg.MaxRequests,
			Current: current,
		}
		d.Remaining = cfg.MaxRequests - current
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		resetIn, err := s.resetIn(ctx, key, cfg, now)
		if err != nil {
			return nil, err
		}
		d.ResetIn = resetIn
		return d, nil
	})
	if err != nil {
		return s.failOpen(ctx, tenantID, cfg, err), nil
	}
	return result.(*Decision), nil
}

func (s *Shared) resetIn(ctx context.Context, key string, cfg Config, now time.Time) (time.Duration, error) {
	oldest, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	oldestAt := time.UnixMilli(int64(oldest[0].Score))
	resetIn := cfg.Window - now.Sub(oldestAt)
	if resetIn < 0 {
		resetIn = 0
	}
	return resetIn, nil
}

// failOpen admits the request despite a backend failure. Availability over
// strictness: a brief over-admit is acceptable, blocked ingestion is not.
func (s *Shared) failOpen(ctx context.Context, tenantID string, cfg Config, err error) *Decision {
	s.failures.Add(1)
	zerolog.Ctx(ctx).Warn().
		Err(err).
		Str("tenant_id", tenantID).
		Int64("fail_open_total", s.failures.Load()).
		Msg("rate limit backend unavailable, admitting request")
	return &Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests,
	}
}
