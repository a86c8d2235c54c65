package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSortedSet is an in-memory stand-in for the Redis sorted-set commands
// the shared limiter issues. When failing is set every call errors, which
// exercises the fail-open path.
type fakeSortedSet struct {
	mu      sync.Mutex
	sets    map[string][]redis.Z
	failing bool
}

func newFakeSortedSet() *fakeSortedSet {
	return &fakeSortedSet{sets: make(map[string][]redis.Z)}
}

var errBackendDown = errors.New("connection refused")

func (f *fakeSortedSet) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errBackendDown)
	}
	lo, _ := strconv.ParseFloat(min, 64)
	hi, _ := strconv.ParseFloat(max, 64)
	kept := f.sets[key][:0]
	var removed int64
	for _, z := range f.sets[key] {
		if z.Score >= lo && z.Score <= hi {
			removed++
			continue
		}
		kept = append(kept, z)
	}
	f.sets[key] = kept
	return redis.NewIntResult(removed, nil)
}

func (f *fakeSortedSet) ZCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errBackendDown)
	}
	return redis.NewIntResult(int64(len(f.sets[key])), nil)
}

func (f *fakeSortedSet) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewIntResult(0, errBackendDown)
	}
	f.sets[key] = append(f.sets[key], members...)
	sort.Slice(f.sets[key], func(i, j int) bool {
		return f.sets[key][i].Score < f.sets[key][j].Score
	})
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeSortedSet) ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewZSliceCmdResult(nil, errBackendDown)
	}
	set := f.sets[key]
	if start >= int64(len(set)) {
		return redis.NewZSliceCmdResult(nil, nil)
	}
	if stop >= int64(len(set)) {
		stop = int64(len(set)) - 1
	}
	out := make([]redis.Z, 0, stop-start+1)
	out = append(out, set[start:stop+1]...)
	return redis.NewZSliceCmdResult(out, nil)
}

func (f *fakeSortedSet) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewBoolResult(false, errBackendDown)
	}
	return redis.NewBoolResult(true, nil)
}

func TestSharedAdmitsUpToLimit(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 3, Window: time.Minute, Burst: 0})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := s.Check(ctx, "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i)
	}

	d, err := s.Check(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, int64(0), s.Failures())
}

func TestSharedOversizedWeightRetryAfter(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 3, Window: time.Minute, Burst: 0})

	// Rejected against an empty set: RetryAfter must not tell the caller to
	// retry immediately.
	d, err := s.Check(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestSharedWindowSlides(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 2, Window: time.Minute, Burst: 0})
	current := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := s.Check(ctx, "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := s.Check(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	current = current.Add(61 * time.Second)
	d, err = s.Check(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Current)
}

func TestSharedTenantKeysAreDisjoint(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 1, Window: time.Minute, Burst: 0})
	ctx := context.Background()

	d, err := s.Check(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.Check(ctx, "tenant-b", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Len(t, fake.sets["ratelimit:tenant:tenant-a"], 1)
	assert.Len(t, fake.sets["ratelimit:tenant:tenant-b"], 1)
}

func TestSharedFailsOpen(t *testing.T) {
	fake := newFakeSortedSet()
	fake.failing = true
	s := NewShared(fake, Config{MaxRequests: 5, Window: time.Minute, Burst: 0})
	ctx := context.Background()

	d, err := s.Check(ctx, "tenant-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "backend failure must not block ingestion")
	assert.Equal(t, int64(1), s.Failures())

	// Repeated failures trip the breaker; admission still succeeds.
	for i := 0; i < 5; i++ {
		d, err = s.Check(ctx, "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	assert.Equal(t, int64(6), s.Failures())
}

func TestSharedUsageReadsWithoutRecording(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 5, Window: time.Minute, Burst: 0})
	ctx := context.Background()

	_, err := s.Check(ctx, "tenant-a", 2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := s.Usage(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), d.Current)
	}
}

func TestSharedOverride(t *testing.T) {
	fake := newFakeSortedSet()
	s := NewShared(fake, Config{MaxRequests: 100, Window: time.Minute, Burst: 0})
	ctx := context.Background()

	s.SetOverride("tenant-vip", Config{MaxRequests: 1, Window: time.Minute, Burst: 0})

	d, err := s.Check(ctx, "tenant-vip", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.Check(ctx, "tenant-vip", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.Limit)
}
