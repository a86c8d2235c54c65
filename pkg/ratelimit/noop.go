package ratelimit

import "context"

// Noop admits everything. Used in tests and deployments with rate limiting
// disabled.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) Check(ctx context.Context, tenantID string, weight int64) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}

func (Noop) Usage(ctx context.Context, tenantID string) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}
