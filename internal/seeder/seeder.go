package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/costops/internal/auth"
	"github.com/vnmchuo/costops/internal/pricing"
)

const (
	TestAPIKey         = "test-api-key-12345"
	TestOrganizationID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey provisions a well-known admin key for local development.
func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	log := zerolog.Ctx(ctx)

	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		OrganizationID: TestOrganizationID,
		KeyHash:        keyHash,
		Admin:          true,
		Active:         true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		log.Debug().Err(err).Msg("seeder: API key may already exist, skipping")
		return
	}
	log.Info().
		Str("key", TestAPIKey).
		Str("organization_id", TestOrganizationID).
		Msg("seeder: test API key created")
}

// SeedPricingTables registers the built-in pricing catalog. One table per
// structure variant so every calculation path is reachable out of the box.
func SeedPricingTables(ctx context.Context, resolver *pricing.Resolver) error {
	log := zerolog.Ctx(ctx)

	effective := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	tables := []*pricing.Table{
		{
			Provider:      "openai",
			Model:         "gpt-4",
			Currency:      pricing.USD,
			EffectiveDate: effective,
			Active:        true,
			Version:       1,
			Structure: pricing.Structure{
				Kind: pricing.KindPerToken,
				PerToken: &pricing.PerToken{
					InputPerMillion:  decimal.NewFromInt(30),
					OutputPerMillion: decimal.NewFromInt(60),
				},
			},
		},
		{
			Provider:      "anthropic",
			Model:         "claude-3-5-sonnet",
			Currency:      pricing.USD,
			EffectiveDate: effective,
			Active:        true,
			Version:       1,
			Structure: pricing.Structure{
				Kind: pricing.KindCachedDiscount,
				CachedDiscount: &pricing.CachedDiscount{
					InputPerMillion:  decimal.NewFromInt(3),
					OutputPerMillion: decimal.NewFromInt(15),
					Discount:         decimal.NewFromFloat(0.1),
				},
			},
		},
		{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			Currency:      pricing.USD,
			EffectiveDate: effective,
			Active:        true,
			Version:       1,
			Structure: pricing.Structure{
				Kind: pricing.KindPerRequest,
				PerRequest: &pricing.PerRequest{
					FlatFee:           decimal.NewFromFloat(0.001),
					IncludedTokens:    10_000,
					OveragePerMillion: decimal.NewFromFloat(0.6),
				},
			},
		},
		{
			Provider:      "google",
			Model:         "gemini-1.5-pro",
			Currency:      pricing.USD,
			EffectiveDate: effective,
			Active:        true,
			Version:       1,
			Structure: pricing.Structure{
				Kind: pricing.KindTiered,
				Tiered: &pricing.Tiered{
					Tiers: []pricing.Tier{
						{
							UpTo:             int64Ptr(128_000),
							InputPerMillion:  decimal.NewFromFloat(1.25),
							OutputPerMillion: decimal.NewFromInt(5),
						},
						{
							InputPerMillion:  decimal.NewFromFloat(2.5),
							OutputPerMillion: decimal.NewFromInt(10),
						},
					},
				},
			},
		},
	}

	for _, t := range tables {
		t.ID = uuid.New()
		if err := resolver.Register(t); err != nil {
			return err
		}
		log.Debug().
			Str("provider", t.Provider).
			Str("model", t.Model).
			Str("kind", string(t.Structure.Kind)).
			Msg("seeder: pricing table registered")
	}
	log.Info().Int("tables", len(tables)).Msg("seeder: pricing catalog loaded")
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
