package pricing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rates are expressed per one million tokens throughout.
const UnitTokens = 1_000_000

type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// Kind discriminates the pricing-structure variants.
type Kind string

const (
	KindPerToken       Kind = "per_token"
	KindCachedDiscount Kind = "cached_discount"
	KindPerRequest     Kind = "per_request"
	KindTiered         Kind = "tiered"
)

// PerToken bills each direction at a flat per-million rate.
type PerToken struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// CachedDiscount is per-token pricing where cached prompt tokens are billed
// at InputPerMillion * Discount instead of the full rate.
type CachedDiscount struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
	Discount         decimal.Decimal `json:"discount"` // 0.5 = cached tokens cost half
}

// PerRequest bills a flat fee covering an included token allotment, with
// tokens beyond it billed at an overage rate.
type PerRequest struct {
	FlatFee           decimal.Decimal `json:"flat_fee"`
	IncludedTokens    int64           `json:"included_tokens"`
	OveragePerMillion decimal.Decimal `json:"overage_per_million"`
}

// Tier is one rung of a progressive schedule. UpTo is the exclusive upper
// token bound; nil means unbounded. Tiers must be ordered ascending and the
// final tier should be unbounded.
type Tier struct {
	UpTo             *int64          `json:"up_to,omitempty"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

type Tiered struct {
	Tiers []Tier `json:"tiers"`
}

// Structure is the tagged pricing variant. Exactly one of the variant
// pointers matching Kind is set; the calculator switches exhaustively on
// Kind. Adding a structure is a new variant plus one new switch arm.
type Structure struct {
	Kind           Kind            `json:"type"`
	PerToken       *PerToken       `json:"per_token,omitempty"`
	CachedDiscount *CachedDiscount `json:"cached_discount,omitempty"`
	PerRequest     *PerRequest     `json:"per_request,omitempty"`
	Tiered         *Tiered         `json:"tiered,omitempty"`
}

// Validate checks the variant pointer matches Kind and tier ordering holds.
func (s *Structure) Validate() error {
	switch s.Kind {
	case KindPerToken:
		if s.PerToken == nil {
			return fmt.Errorf("pricing structure %s missing per_token body", s.Kind)
		}
	case KindCachedDiscount:
		if s.CachedDiscount == nil {
			return fmt.Errorf("pricing structure %s missing cached_discount body", s.Kind)
		}
		d := s.CachedDiscount.Discount
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("cached discount %s out of range [0, 1]", d)
		}
	case KindPerRequest:
		if s.PerRequest == nil {
			return fmt.Errorf("pricing structure %s missing per_request body", s.Kind)
		}
		if s.PerRequest.IncludedTokens < 0 {
			return fmt.Errorf("included_tokens must not be negative")
		}
	case KindTiered:
		if s.Tiered == nil || len(s.Tiered.Tiers) == 0 {
			return fmt.Errorf("pricing structure %s requires at least one tier", s.Kind)
		}
		var prev int64
		for i, t := range s.Tiered.Tiers {
			if t.UpTo == nil {
				if i != len(s.Tiered.Tiers)-1 {
					return fmt.Errorf("unbounded tier %d must be last", i)
				}
				continue
			}
			if *t.UpTo <= prev {
				return fmt.Errorf("tier %d bound %d is not ascending", i, *t.UpTo)
			}
			prev = *t.UpTo
		}
	default:
		return fmt.Errorf("unknown pricing structure kind %q", s.Kind)
	}
	return nil
}

// Table is a versioned rate card for one (provider, model) pair. Read-only
// to the pipeline; rate-card management owns creation and overlap rules.
type Table struct {
	ID            uuid.UUID  `json:"id"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Currency      Currency   `json:"currency"`
	EffectiveDate time.Time  `json:"effective_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Active        bool       `json:"active"`
	Version       int        `json:"version"`
	Structure     Structure  `json:"structure"`
}

// ActiveAt reports whether the table's effective-date range covers t.
func (t *Table) ActiveAt(at time.Time) bool {
	if at.Before(t.EffectiveDate) {
		return false
	}
	if t.EndDate != nil && at.After(*t.EndDate) {
		return false
	}
	return true
}
