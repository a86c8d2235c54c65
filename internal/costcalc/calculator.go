// Package costcalc converts validated usage records into monetary cost
// records. Calculation is pure: identical inputs always produce identical
// decimal totals (excluding the freshly minted record id), so reprocessing
// is idempotent. No float64 ever touches a money-bearing value.
package costcalc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/costs"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
)

var (
	// ErrProviderMismatch means the resolved pricing table does not belong
	// to the usage record's provider. Configuration defect, never retryable.
	ErrProviderMismatch = errors.New("pricing table provider does not match usage record")

	// ErrTierExhausted means the token quantity falls beyond the last
	// bounded tier of a tiered schedule.
	ErrTierExhausted = errors.New("token quantity exceeds final pricing tier")

	// ErrOverflow means a cost component left the representable range.
	ErrOverflow = errors.New("cost calculation overflow")
)

// moneyScale is the fractional-digit precision of persisted cost values.
// Six digits are the contract minimum; ten keeps sub-cent rates exact.
const moneyScale = 10

// maxCost bounds any single cost component. Values at or beyond it indicate
// corrupted token counts or rates and fail hard for manual review.
var maxCost = decimal.New(1, 12) // 10^12

var million = decimal.NewFromInt(pricing.UnitTokens)

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate applies a resolved pricing table to a usage record. An inactive
// table is a soft condition: it is logged and the record is still priced.
func (c *Calculator) Calculate(ctx context.Context, u *usage.Record, t *pricing.Table) (*costs.Record, error) {
	if u.Provider != t.Provider {
		return nil, fmt.Errorf("%w: usage=%s pricing=%s", ErrProviderMismatch, u.Provider, t.Provider)
	}

	if !t.ActiveAt(u.Timestamp) || !t.Active {
		zerolog.Ctx(ctx).Warn().
			Str("provider", t.Provider).
			Str("model", t.Model).
			Time("usage_timestamp", u.Timestamp).
			Msg("pricing table not active for usage timestamp")
	}

	var (
		inputCost, outputCost decimal.Decimal
		err                   error
	)

	switch t.Structure.Kind {
	case pricing.KindPerToken:
		inputCost, outputCost = perToken(u, t.Structure.PerToken)
	case pricing.KindCachedDiscount:
		inputCost, outputCost = cachedDiscount(u, t.Structure.CachedDiscount)
	case pricing.KindPerRequest:
		inputCost, outputCost = perRequest(u, t.Structure.PerRequest)
	case pricing.KindTiered:
		inputCost, outputCost, err = tiered(u, t.Structure.Tiered)
	default:
		return nil, fmt.Errorf("unknown pricing structure kind %q", t.Structure.Kind)
	}
	if err != nil {
		return nil, err
	}

	inputCost = inputCost.Round(moneyScale)
	outputCost = outputCost.Round(moneyScale)

	if err := checkBounds(inputCost, outputCost); err != nil {
		zerolog.Ctx(ctx).Error().
			Str("usage_id", u.ID.String()).
			Str("provider", u.Provider).
			Str("model", u.Model.Name).
			Int64("total_tokens", u.TotalTokens).
			Str("input_cost", inputCost.String()).
			Str("output_cost", outputCost.String()).
			Msg("cost calculation out of representable range")
		return nil, err
	}

	return &costs.Record{
		ID:             uuid.New(),
		UsageID:        u.ID,
		RequestID:      u.RequestID,
		Timestamp:      u.Timestamp,
		Provider:       u.Provider,
		Model:          u.Model.Name,
		OrganizationID: u.OrganizationID,
		ProjectID:      u.ProjectID,
		Tags:           u.Tags,
		InputCost:      inputCost,
		OutputCost:     outputCost,
		TotalCost:      inputCost.Add(outputCost),
		Currency:       t.Currency,
		PricingID:      t.ID,
		PricingVersion: t.Version,
		TotalTokens:    u.TotalTokens,
		CalculatedAt:   time.Now().UTC(),
	}, nil
}

func perToken(u *usage.Record, p *pricing.PerToken) (decimal.Decimal, decimal.Decimal) {
	input := decimal.NewFromInt(u.PromptTokens).Mul(p.InputPerMillion).Div(million)
	output := decimal.NewFromInt(u.CompletionTokens).Mul(p.OutputPerMillion).Div(million)
	return input, output
}

func cachedDiscount(u *usage.Record, p *pricing.CachedDiscount) (decimal.Decimal, decimal.Decimal) {
	var cached int64
	if u.CachedTokens != nil {
		cached = *u.CachedTokens
	}
	full := u.PromptTokens - cached

	fullCost := decimal.NewFromInt(full).Mul(p.InputPerMillion)
	cachedCost := decimal.NewFromInt(cached).Mul(p.InputPerMillion).Mul(p.Discount)
	input := fullCost.Add(cachedCost).Div(million)

	output := decimal.NewFromInt(u.CompletionTokens).Mul(p.OutputPerMillion).Div(million)
	return input, output
}

// perRequest bills the flat fee plus any overage, then splits the total
// between input and output by prompt-token ratio so the component invariant
// (total == input + output) keeps holding downstream.
func perRequest(u *usage.Record, p *pricing.PerRequest) (decimal.Decimal, decimal.Decimal) {
	total := p.FlatFee
	if u.TotalTokens > p.IncludedTokens {
		overage := decimal.NewFromInt(u.TotalTokens - p.IncludedTokens)
		total = total.Add(overage.Mul(p.OveragePerMillion).Div(million))
	}

	if u.TotalTokens == 0 {
		return total, decimal.Zero
	}

	ratio := decimal.NewFromInt(u.PromptTokens).Div(decimal.NewFromInt(u.TotalTokens))
	input := total.Mul(ratio).Round(moneyScale)
	output := total.Sub(input)
	return input, output
}

// tiered walks the schedule progressively per direction: each tier's rate
// applies only to the tokens falling inside that tier's boundaries.
func tiered(u *usage.Record, p *pricing.Tiered) (decimal.Decimal, decimal.Decimal, error) {
	input, err := walkTiers(u.PromptTokens, p.Tiers, func(t pricing.Tier) decimal.Decimal { return t.InputPerMillion })
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	output, err := walkTiers(u.CompletionTokens, p.Tiers, func(t pricing.Tier) decimal.Decimal { return t.OutputPerMillion })
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return input, output, nil
}

func walkTiers(tokens int64, tiers []pricing.Tier, rate func(pricing.Tier) decimal.Decimal) (decimal.Decimal, error) {
	cost := decimal.Zero
	var billed int64

	for _, tier := range tiers {
		if billed >= tokens {
			break
		}
		upper := tokens
		if tier.UpTo != nil && *tier.UpTo < tokens {
			upper = *tier.UpTo
		}
		qty := upper - billed
		if qty > 0 {
			cost = cost.Add(decimal.NewFromInt(qty).Mul(rate(tier)).Div(million))
			billed = upper
		}
	}

	if billed < tokens {
		return decimal.Zero, fmt.Errorf("%w: %d tokens billed of %d", ErrTierExhausted, billed, tokens)
	}
	return cost, nil
}

func checkBounds(components ...decimal.Decimal) error {
	for _, c := range components {
		if c.IsNegative() {
			return fmt.Errorf("%w: negative component %s", ErrOverflow, c)
		}
		if c.GreaterThanOrEqual(maxCost) {
			return fmt.Errorf("%w: component %s exceeds %s", ErrOverflow, c, maxCost)
		}
	}
	return nil
}
