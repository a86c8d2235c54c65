// Package aggregate maintains in-process cost rollups. Every folded record
// fans out into one bucket per configured dimension; all bucket updates are
// commutative sums and min/max, so fold order never affects the final value
// and upstream retries or out-of-order delivery are harmless. Corrections
// are folded as compensating negative records, never applied in place.
package aggregate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/costs"
)

// Dimension names a grouping axis. A record may fan out into several
// buckets of the same dimension (one per tag, for example).
type Dimension string

const (
	ByProvider       Dimension = "provider"
	ByModel          Dimension = "model"
	ByOrganization   Dimension = "organization"
	ByProject        Dimension = "project"
	ByTag            Dimension = "tag"
	ByOrgProviderDay Dimension = "org_provider_day"
)

// DefaultDimensions is the fan-out set used by the reference deployment.
var DefaultDimensions = []Dimension{
	ByProvider, ByModel, ByOrganization, ByProject, ByTag, ByOrgProviderDay,
}

// Bucket is the running accumulator for one dimension-key combination.
type Bucket struct {
	Dimension   Dimension       `json:"dimension"`
	Key         string          `json:"key"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	TotalTokens int64           `json:"total_tokens"`
	RecordCount int64           `json:"record_count"`
	MinTime     time.Time       `json:"min_time"`
	MaxTime     time.Time       `json:"max_time"`
}

type bucket struct {
	mu sync.Mutex
	Bucket
}

// Filter narrows a Snapshot. Zero values match everything.
type Filter struct {
	Dimension Dimension
	KeyPrefix string
}

// Aggregator folds cost records into buckets. Folds into different buckets
// never block one another; folds into the same bucket serialize on that
// bucket's own mutex.
type Aggregator struct {
	dimensions []Dimension
	buckets    sync.Map // map[string]*bucket, keyed dimension + '\x00' + key
}

func New(dimensions ...Dimension) *Aggregator {
	if len(dimensions) == 0 {
		dimensions = DefaultDimensions
	}
	return &Aggregator{dimensions: dimensions}
}

// Fold merges one cost record into every configured dimension's bucket.
func (a *Aggregator) Fold(rec *costs.Record) {
	for _, dim := range a.dimensions {
		for _, key := range keysFor(dim, rec) {
			a.fold(dim, key, rec)
		}
	}
}

func keysFor(dim Dimension, rec *costs.Record) []string {
	switch dim {
	case ByProvider:
		return []string{rec.Provider}
	case ByModel:
		return []string{rec.Provider + "/" + rec.Model}
	case ByOrganization:
		return []string{rec.OrganizationID}
	case ByProject:
		if rec.ProjectID == "" {
			return nil
		}
		return []string{rec.OrganizationID + "/" + rec.ProjectID}
	case ByTag:
		keys := make([]string, 0, len(rec.Tags))
		for _, tag := range rec.Tags {
			keys = append(keys, tag)
		}
		return keys
	case ByOrgProviderDay:
		day := rec.Timestamp.UTC().Format("2006-01-02")
		return []string{fmt.Sprintf("%s/%s/%s", rec.OrganizationID, rec.Provider, day)}
	default:
		return nil
	}
}

func (a *Aggregator) fold(dim Dimension, key string, rec *costs.Record) {
	id := string(dim) + "\x00" + key
	v, ok := a.buckets.Load(id)
	if !ok {
		v, _ = a.buckets.LoadOrStore(id, &bucket{
			Bucket: Bucket{Dimension: dim, Key: key, TotalCost: decimal.Zero},
		})
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.TotalCost = b.TotalCost.Add(rec.TotalCost)
	b.TotalTokens += rec.TotalTokens
	b.RecordCount++
	if b.MinTime.IsZero() || rec.Timestamp.Before(b.MinTime) {
		b.MinTime = rec.Timestamp
	}
	if rec.Timestamp.After(b.MaxTime) {
		b.MaxTime = rec.Timestamp
	}
}

// Snapshot returns point-in-time copies of every bucket matching the filter.
func (a *Aggregator) Snapshot(f Filter) []Bucket {
	var out []Bucket
	a.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		snap := b.Bucket
		b.mu.Unlock()

		if f.Dimension != "" && snap.Dimension != f.Dimension {
			return true
		}
		if f.KeyPrefix != "" && !strings.HasPrefix(snap.Key, f.KeyPrefix) {
			return true
		}
		out = append(out, snap)
		return true
	})
	return out
}

// Reset discards all buckets. Called by an external scheduling collaborator
// after a flush; the aggregator itself never expires data.
func (a *Aggregator) Reset() {
	a.buckets.Range(func(k, _ any) bool {
		a.buckets.Delete(k)
		return true
	})
}
