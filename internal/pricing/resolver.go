package pricing

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotFound means no pricing table covers the requested provider, model
// and instant. Callers treat it as a hard failure for the record: cost
// cannot be computed until rate-card data is corrected.
var ErrNotFound = errors.New("no pricing table found")

// Resolver holds versioned rate cards in memory and answers lookups by
// (provider, model, instant). Tables come from an external rate-card
// process; the resolver never mutates them.
type Resolver struct {
	mu     sync.RWMutex
	tables map[string][]*Table // key: provider "/" model
}

func NewResolver() *Resolver {
	return &Resolver{tables: make(map[string][]*Table)}
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// Register adds a table after validating its structure.
func (r *Resolver) Register(t *Table) error {
	if err := t.Structure.Validate(); err != nil {
		return fmt.Errorf("pricing table %s/%s: %w", t.Provider, t.Model, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(t.Provider, t.Model)
	r.tables[k] = append(r.tables[k], t)
	return nil
}

// Resolve returns the table whose effective-date range covers at. When
// several ranges cover the instant the latest effective date wins; overlap
// prevention itself is a rate-card management concern.
func (r *Resolver) Resolve(provider, model string, at time.Time) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Table
	for _, t := range r.tables[key(provider, model)] {
		if !t.ActiveAt(at) {
			continue
		}
		if best == nil || t.EffectiveDate.After(best.EffectiveDate) {
			best = t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for provider=%s model=%s at=%s",
			ErrNotFound, provider, model, at.Format(time.RFC3339))
	}
	return best, nil
}

// Tables returns every registered table for a provider/model pair.
func (r *Resolver) Tables(provider, model string) []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, len(r.tables[key(provider, model)]))
	copy(out, r.tables[key(provider, model)])
	return out
}
