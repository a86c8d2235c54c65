package costcalc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
)

func int64Ptr(v int64) *int64 { return &v }

func usageRecord(prompt, completion int64) *usage.Record {
	return &usage.Record{
		ID:               uuid.New(),
		RequestID:        "req-1",
		Timestamp:        time.Date(2025, time.February, 1, 10, 0, 0, 0, time.UTC),
		Provider:         "openai",
		Model:            usage.Model{Name: "gpt-4"},
		OrganizationID:   "org-1",
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func table(s pricing.Structure) *pricing.Table {
	return &pricing.Table{
		ID:            uuid.New(),
		Provider:      "openai",
		Model:         "gpt-4",
		Currency:      pricing.USD,
		EffectiveDate: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
		Version:       3,
		Structure:     s,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)),
		"want %s, got %s", want, got)
}

func TestCalculatePerToken(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerToken,
		PerToken: &pricing.PerToken{
			InputPerMillion:  decimal.NewFromInt(30),
			OutputPerMillion: decimal.NewFromInt(60),
		},
	})

	rec, err := c.Calculate(context.Background(), usageRecord(1500, 500), tbl)
	require.NoError(t, err)

	assertDecimal(t, "0.045", rec.InputCost)
	assertDecimal(t, "0.03", rec.OutputCost)
	assertDecimal(t, "0.075", rec.TotalCost)
	assert.Equal(t, pricing.USD, rec.Currency)
	assert.Equal(t, tbl.ID, rec.PricingID)
	assert.Equal(t, 3, rec.PricingVersion)
	assert.Equal(t, int64(2000), rec.TotalTokens)
}

func TestCalculateCachedDiscount(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindCachedDiscount,
		CachedDiscount: &pricing.CachedDiscount{
			InputPerMillion:  decimal.NewFromInt(10),
			OutputPerMillion: decimal.NewFromInt(20),
			Discount:         decimal.NewFromFloat(0.5),
		},
	})

	u := usageRecord(1000, 200)
	u.CachedTokens = int64Ptr(400)

	rec, err := c.Calculate(context.Background(), u, tbl)
	require.NoError(t, err)

	// 600 full tokens at 10/M plus 400 cached at half rate.
	assertDecimal(t, "0.008", rec.InputCost)
	assertDecimal(t, "0.004", rec.OutputCost)
	assertDecimal(t, "0.012", rec.TotalCost)
}

func TestCalculateCachedDiscountWithoutCachedTokens(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindCachedDiscount,
		CachedDiscount: &pricing.CachedDiscount{
			InputPerMillion:  decimal.NewFromInt(10),
			OutputPerMillion: decimal.NewFromInt(20),
			Discount:         decimal.NewFromFloat(0.5),
		},
	})

	rec, err := c.Calculate(context.Background(), usageRecord(1000, 0), tbl)
	require.NoError(t, err)

	// No cached tokens: behaves exactly like per-token pricing.
	assertDecimal(t, "0.01", rec.InputCost)
}

func TestCalculatePerRequest(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerRequest,
		PerRequest: &pricing.PerRequest{
			FlatFee:           decimal.NewFromFloat(0.001),
			IncludedTokens:    10_000,
			OveragePerMillion: decimal.NewFromFloat(0.6),
		},
	})

	rec, err := c.Calculate(context.Background(), usageRecord(10_000, 5_000), tbl)
	require.NoError(t, err)

	// Flat 0.001 plus 5000 overage tokens at 0.6/M.
	assertDecimal(t, "0.004", rec.TotalCost)
	assert.True(t, rec.InputCost.Add(rec.OutputCost).Equal(rec.TotalCost),
		"component split must preserve the total")
}

func TestCalculatePerRequestWithinIncluded(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerRequest,
		PerRequest: &pricing.PerRequest{
			FlatFee:           decimal.NewFromFloat(0.001),
			IncludedTokens:    10_000,
			OveragePerMillion: decimal.NewFromFloat(0.6),
		},
	})

	rec, err := c.Calculate(context.Background(), usageRecord(4_000, 2_000), tbl)
	require.NoError(t, err)
	assertDecimal(t, "0.001", rec.TotalCost)
}

func TestCalculateTieredIsMarginal(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindTiered,
		Tiered: &pricing.Tiered{Tiers: []pricing.Tier{
			{
				UpTo:             int64Ptr(1000),
				InputPerMillion:  decimal.NewFromInt(1000),
				OutputPerMillion: decimal.NewFromInt(1000),
			},
			{
				InputPerMillion:  decimal.NewFromInt(2000),
				OutputPerMillion: decimal.NewFromInt(2000),
			},
		}},
	})

	rec, err := c.Calculate(context.Background(), usageRecord(1500, 0), tbl)
	require.NoError(t, err)

	// First 1000 tokens at the low rate, the remaining 500 at the high
	// rate: 1 + 1 = 2. A highest-tier-wins schedule would charge 3.
	assertDecimal(t, "2", rec.InputCost)
	assertDecimal(t, "0", rec.OutputCost)
}

func TestCalculateTieredPerDirection(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindTiered,
		Tiered: &pricing.Tiered{Tiers: []pricing.Tier{
			{
				UpTo:             int64Ptr(1000),
				InputPerMillion:  decimal.NewFromInt(1000),
				OutputPerMillion: decimal.NewFromInt(4000),
			},
			{
				InputPerMillion:  decimal.NewFromInt(2000),
				OutputPerMillion: decimal.NewFromInt(8000),
			},
		}},
	})

	// Each direction walks the schedule from tier one independently.
	rec, err := c.Calculate(context.Background(), usageRecord(500, 1200), tbl)
	require.NoError(t, err)

	assertDecimal(t, "0.5", rec.InputCost)
	assertDecimal(t, "5.6", rec.OutputCost) // 1000*4 + 200*8 per thousand
}

func TestCalculateTierExhausted(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindTiered,
		Tiered: &pricing.Tiered{Tiers: []pricing.Tier{
			{UpTo: int64Ptr(1000), InputPerMillion: decimal.NewFromInt(1)},
		}},
	})

	_, err := c.Calculate(context.Background(), usageRecord(1500, 0), tbl)
	assert.ErrorIs(t, err, ErrTierExhausted)
}

func TestCalculateProviderMismatch(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerToken,
		PerToken: &pricing.PerToken{
			InputPerMillion:  decimal.NewFromInt(30),
			OutputPerMillion: decimal.NewFromInt(60),
		},
	})

	u := usageRecord(10, 10)
	u.Provider = "anthropic"

	_, err := c.Calculate(context.Background(), u, tbl)
	assert.ErrorIs(t, err, ErrProviderMismatch)
}

func TestCalculateOverflow(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerToken,
		PerToken: &pricing.PerToken{
			InputPerMillion:  decimal.New(1, 6), // 10^6 per million token
			OutputPerMillion: decimal.Zero,
		},
	})

	_, err := c.Calculate(context.Background(), usageRecord(1_000_000_000_000, 0), tbl)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCalculateIsDeterministic(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{
		Kind: pricing.KindPerToken,
		PerToken: &pricing.PerToken{
			InputPerMillion:  decimal.NewFromFloat(0.000125),
			OutputPerMillion: decimal.NewFromFloat(0.000375),
		},
	})
	u := usageRecord(123_457, 76_543)

	first, err := c.Calculate(context.Background(), u, tbl)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		again, err := c.Calculate(context.Background(), u, tbl)
		require.NoError(t, err)
		assert.True(t, first.InputCost.Equal(again.InputCost))
		assert.True(t, first.OutputCost.Equal(again.OutputCost))
		assert.True(t, first.TotalCost.Equal(again.TotalCost))
	}
}

func TestCalculateUnknownStructureKind(t *testing.T) {
	c := NewCalculator()
	tbl := table(pricing.Structure{Kind: pricing.Kind("flat_rate")})

	_, err := c.Calculate(context.Background(), usageRecord(10, 10), tbl)
	assert.Error(t, err)
}
