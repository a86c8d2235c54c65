// Package ingest wires the pipeline: admission control, validation, pricing
// resolution, cost calculation, persistence and aggregation. Single and
// batch submission share the same path; a batch consumes admission weight
// equal to its record count.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/costcalc"
	"github.com/vnmchuo/costops/internal/costs"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/usage"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

// Record-level error codes surfaced in IngestionResponse.Errors.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeOrganizationMismatch = "ORGANIZATION_MISMATCH"
	CodePricingUnresolved    = "PRICING_UNRESOLVED"
	CodeProviderMismatch     = "PROVIDER_MISMATCH"
	CodeCalculationOverflow  = "CALCULATION_OVERFLOW"
	CodeStorage              = "STORAGE_ERROR"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// RecordError describes why one record in a submission was rejected. Index
// is nil for single submissions.
type RecordError struct {
	Index   *int   `json:"index,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Response reports the outcome of a submission. Partial success is normal
// for batches: one invalid record never rejects the rest.
type Response struct {
	RequestID   string        `json:"request_id"`
	Status      Status        `json:"status"`
	Accepted    int           `json:"accepted"`
	Rejected    int           `json:"rejected"`
	Errors      []RecordError `json:"errors,omitempty"`
	ProcessedAt time.Time     `json:"processed_at"`

	// RateLimit carries the admission decision for response headers.
	RateLimit *ratelimit.Decision `json:"-"`
}

// RateLimitedError is returned when admission control rejects a submission.
// Recoverable: the caller should retry after Decision.RetryAfter.
type RateLimitedError struct {
	TenantID string
	Decision *ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s, retry after %s", e.TenantID, e.Decision.RetryAfter)
}

// ErrBatchTooLarge is returned when a batch exceeds the configured cap.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

type Service struct {
	limiter  ratelimit.Limiter
	resolver *pricing.Resolver
	calc     *costcalc.Calculator
	store    costs.Store
	agg      *aggregate.Aggregator
	maxBatch int
	tracer   trace.Tracer
}

func NewService(
	limiter ratelimit.Limiter,
	resolver *pricing.Resolver,
	calc *costcalc.Calculator,
	store costs.Store,
	agg *aggregate.Aggregator,
	maxBatch int,
	tracer trace.Tracer,
) *Service {
	return &Service{
		limiter:  limiter,
		resolver: resolver,
		calc:     calc,
		store:    store,
		agg:      agg,
		maxBatch: maxBatch,
		tracer:   tracer,
	}
}

// MaxBatchSize is the largest batch Submit accepts in one call.
func (s *Service) MaxBatchSize() int { return s.maxBatch }

// Submit runs one payload through the full pipeline.
func (s *Service) Submit(ctx context.Context, p *usage.Payload, source string) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization_id", p.OrganizationID),
		attribute.String("provider", p.Provider),
	)

	decision, err := s.admit(ctx, p.OrganizationID, 1)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		RequestID:   uuid.New().String(),
		ProcessedAt: time.Now().UTC(),
		RateLimit:   decision,
	}

	if errs := usage.Validate(p); len(errs) > 0 {
		resp.Status = StatusFailed
		resp.Rejected = 1
		resp.Errors = fieldErrors(nil, errs)
		return resp, nil
	}

	rec := usage.Normalize(p, source)
	if recErr := s.process(ctx, rec); recErr != nil {
		resp.Status = StatusFailed
		resp.Rejected = 1
		resp.Errors = []RecordError{*recErr}
		return resp, nil
	}

	resp.Status = StatusSuccess
	resp.Accepted = 1
	return resp, nil
}

// SubmitBatch validates and processes every payload independently, reporting
// per-index errors. Records addressed to an organization other than tenantID
// are rejected. The batch consumes admission weight equal to its size.
func (s *Service) SubmitBatch(ctx context.Context, tenantID string, payloads []usage.Payload, source string) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.submit_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization_id", tenantID),
		attribute.Int("batch_size", len(payloads)),
	)

	if len(payloads) > s.maxBatch {
		return nil, fmt.Errorf("%w: %d records, maximum is %d", ErrBatchTooLarge, len(payloads), s.maxBatch)
	}

	decision, err := s.admit(ctx, tenantID, int64(len(payloads)))
	if err != nil {
		return nil, err
	}

	resp := &Response{
		RequestID:   uuid.New().String(),
		ProcessedAt: time.Now().UTC(),
		RateLimit:   decision,
	}

	for _, item := range usage.ValidateBatch(payloads, source) {
		idx := item.Index
		if len(item.Errors) > 0 {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fieldErrors(&idx, item.Errors)...)
			continue
		}
		if item.Record.OrganizationID != tenantID {
			resp.Rejected++
			resp.Errors = append(resp.Errors, RecordError{
				Index:   &idx,
				Code:    CodeOrganizationMismatch,
				Field:   "organization_id",
				Message: fmt.Sprintf("organization %q does not match the authenticated organization", item.Record.OrganizationID),
			})
			continue
		}
		if recErr := s.process(ctx, item.Record); recErr != nil {
			recErr.Index = &idx
			resp.Rejected++
			resp.Errors = append(resp.Errors, *recErr)
			continue
		}
		resp.Accepted++
	}

	switch {
	case resp.Rejected == 0:
		resp.Status = StatusSuccess
	case resp.Accepted > 0:
		resp.Status = StatusPartial
	default:
		resp.Status = StatusFailed
	}

	zerolog.Ctx(ctx).Info().
		Str("request_id", resp.RequestID).
		Str("organization_id", tenantID).
		Int("accepted", resp.Accepted).
		Int("rejected", resp.Rejected).
		Msg("batch ingestion completed")

	return resp, nil
}

func (s *Service) admit(ctx context.Context, tenantID string, weight int64) (*ratelimit.Decision, error) {
	decision, err := s.limiter.Check(ctx, tenantID, weight)
	if err != nil {
		// Limiter backends fail open internally; an error here is a
		// programming defect, not a backend outage.
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitedError{TenantID: tenantID, Decision: decision}
	}
	return decision, nil
}

// process prices, persists and folds one validated record. Hard failures
// (unresolved pricing, mismatches, overflow) are logged with full context so
// the record can be dead-lettered and reprocessed; they are never silent.
func (s *Service) process(ctx context.Context, rec *usage.Record) *RecordError {
	table, err := s.resolver.Resolve(rec.Provider, rec.Model.Name, rec.Timestamp)
	if err != nil {
		s.logHardFailure(ctx, rec, CodePricingUnresolved, err)
		return &RecordError{Code: CodePricingUnresolved, Message: err.Error()}
	}

	costRec, err := s.calc.Calculate(ctx, rec, table)
	if err != nil {
		switch {
		case errors.Is(err, costcalc.ErrProviderMismatch):
			s.logHardFailure(ctx, rec, CodeProviderMismatch, err)
			return &RecordError{Code: CodeProviderMismatch, Message: err.Error()}
		case errors.Is(err, costcalc.ErrOverflow), errors.Is(err, costcalc.ErrTierExhausted):
			s.logHardFailure(ctx, rec, CodeCalculationOverflow, err)
			return &RecordError{Code: CodeCalculationOverflow, Message: err.Error()}
		default:
			s.logHardFailure(ctx, rec, CodeCalculationOverflow, err)
			return &RecordError{Code: CodeCalculationOverflow, Message: err.Error()}
		}
	}

	if err := s.store.Insert(ctx, costRec); err != nil {
		s.logHardFailure(ctx, rec, CodeStorage, err)
		return &RecordError{Code: CodeStorage, Message: err.Error()}
	}

	s.agg.Fold(costRec)
	return nil
}

func (s *Service) logHardFailure(ctx context.Context, rec *usage.Record, code string, err error) {
	zerolog.Ctx(ctx).Error().
		Err(err).
		Str("code", code).
		Str("usage_id", rec.ID.String()).
		Str("request_id", rec.RequestID).
		Str("organization_id", rec.OrganizationID).
		Str("provider", rec.Provider).
		Str("model", rec.Model.Name).
		Msg("usage record rejected")
}

func fieldErrors(idx *int, errs []usage.FieldError) []RecordError {
	out := make([]RecordError, 0, len(errs))
	for _, e := range errs {
		out = append(out, RecordError{
			Index:   idx,
			Code:    CodeValidation,
			Field:   e.Field,
			Message: e.Message,
		})
	}
	return out
}
