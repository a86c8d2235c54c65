package costs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/costops/internal/pricing"
)

// Record is the monetary result of applying a pricing table to one usage
// record. Never mutated after creation; corrections are expressed as
// compensating negative records, not edits.
type Record struct {
	ID             uuid.UUID        `json:"id"`
	UsageID        uuid.UUID        `json:"usage_id"`
	RequestID      string           `json:"request_id"`
	Timestamp      time.Time        `json:"timestamp"`
	Provider       string           `json:"provider"`
	Model          string           `json:"model"`
	OrganizationID string           `json:"organization_id"`
	ProjectID      string           `json:"project_id,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	InputCost      decimal.Decimal  `json:"input_cost"`
	OutputCost     decimal.Decimal  `json:"output_cost"`
	TotalCost      decimal.Decimal  `json:"total_cost"`
	Currency       pricing.Currency `json:"currency"`
	PricingID      uuid.UUID        `json:"pricing_id"`
	PricingVersion int              `json:"pricing_version"`
	TotalTokens    int64            `json:"total_tokens"`
	CalculatedAt   time.Time        `json:"calculated_at"`
}

// Summary are persisted totals for one organization over a time range.
type Summary struct {
	OrganizationID string          `json:"organization_id"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	TotalTokens    int64           `json:"total_tokens"`
	RecordCount    int64           `json:"record_count"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
}

// Store persists cost records. The pipeline emits exactly one record per
// accepted usage event.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*Record, error)
	Summarize(ctx context.Context, orgID string, from, to time.Time) (*Summary, error)
}
