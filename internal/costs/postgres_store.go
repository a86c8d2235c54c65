package costs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/costops/internal/pricing"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO cost_records (
			id, usage_id, request_id, ts, provider, model, organization_id, project_id,
			tags, input_cost, output_cost, total_cost, currency, pricing_id, pricing_version,
			total_tokens, calculated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UsageID, rec.RequestID, rec.Timestamp, rec.Provider, rec.Model,
		rec.OrganizationID, rec.ProjectID, rec.Tags,
		rec.InputCost, rec.OutputCost, rec.TotalCost, string(rec.Currency),
		rec.PricingID, rec.PricingVersion, rec.TotalTokens, rec.CalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, usage_id, request_id, ts, provider, model, organization_id, project_id,
		       tags, input_cost, output_cost, total_cost, currency, pricing_id, pricing_version,
		       total_tokens, calculated_at
		FROM cost_records
		WHERE organization_id = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts DESC
	`
	rows, err := s.db.Query(ctx, query, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		var currency string
		err := rows.Scan(
			&r.ID, &r.UsageID, &r.RequestID, &r.Timestamp, &r.Provider, &r.Model,
			&r.OrganizationID, &r.ProjectID, &r.Tags,
			&r.InputCost, &r.OutputCost, &r.TotalCost, &currency,
			&r.PricingID, &r.PricingVersion, &r.TotalTokens, &r.CalculatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		r.Currency = pricing.Currency(currency)
		recs = append(recs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost records: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, orgID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT COALESCE(SUM(total_cost), 0), COALESCE(SUM(total_tokens), 0), COUNT(*)
		FROM cost_records
		WHERE organization_id = $1 AND ts BETWEEN $2 AND $3
	`
	sum := &Summary{OrganizationID: orgID, From: from, To: to}
	err := s.db.QueryRow(ctx, query, orgID, from, to).
		Scan(&sum.TotalCost, &sum.TotalTokens, &sum.RecordCount)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize cost records: %w", err)
	}
	return sum, nil
}
