package usage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TokenCounts is the token block of an inbound payload. CachedTokens and
// ReasoningTokens are pointers so absence is distinguishable from zero.
type TokenCounts struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	CachedTokens     *int64 `json:"cached_tokens,omitempty"`
	ReasoningTokens  *int64 `json:"reasoning_tokens,omitempty"`
}

type Performance struct {
	LatencyMs          *int64 `json:"latency_ms,omitempty"`
	TimeToFirstTokenMs *int64 `json:"time_to_first_token_ms,omitempty"`
}

type Model struct {
	Name          string `json:"name"`
	Version       string `json:"version,omitempty"`
	ContextWindow int64  `json:"context_window,omitempty"`
}

// Payload is the raw wire shape of one metered LLM call, as submitted by
// webhook callers or stream producers. It is untrusted until validated.
type Payload struct {
	RequestID      string          `json:"request_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Provider       string          `json:"provider"`
	Model          Model           `json:"model"`
	OrganizationID string          `json:"organization_id"`
	ProjectID      string          `json:"project_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Usage          TokenCounts     `json:"usage"`
	Performance    *Performance    `json:"performance,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Record is a validated, normalized usage event. Immutable after creation.
type Record struct {
	ID                 uuid.UUID       `json:"id"`
	RequestID          string          `json:"request_id"`
	Timestamp          time.Time       `json:"timestamp"`
	Provider           string          `json:"provider"`
	Model              Model           `json:"model"`
	OrganizationID     string          `json:"organization_id"`
	ProjectID          string          `json:"project_id,omitempty"`
	UserID             string          `json:"user_id,omitempty"`
	PromptTokens       int64           `json:"prompt_tokens"`
	CompletionTokens   int64           `json:"completion_tokens"`
	TotalTokens        int64           `json:"total_tokens"`
	CachedTokens       *int64          `json:"cached_tokens,omitempty"`
	ReasoningTokens    *int64          `json:"reasoning_tokens,omitempty"`
	LatencyMs          *int64          `json:"latency_ms,omitempty"`
	TimeToFirstTokenMs *int64          `json:"time_to_first_token_ms,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	IngestedAt         time.Time       `json:"ingested_at"`
	Source             string          `json:"source"`
}

// Normalize mints the immutable Record for a payload that has already passed
// Validate. Source tags where the payload entered the pipeline ("webhook",
// "stream", ...).
func Normalize(p *Payload, source string) *Record {
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	rec := &Record{
		ID:               uuid.New(),
		RequestID:        requestID,
		Timestamp:        p.Timestamp,
		Provider:         p.Provider,
		Model:            p.Model,
		OrganizationID:   p.OrganizationID,
		ProjectID:        p.ProjectID,
		UserID:           p.UserID,
		PromptTokens:     p.Usage.PromptTokens,
		CompletionTokens: p.Usage.CompletionTokens,
		TotalTokens:      p.Usage.TotalTokens,
		CachedTokens:     p.Usage.CachedTokens,
		ReasoningTokens:  p.Usage.ReasoningTokens,
		Tags:             p.Tags,
		Metadata:         p.Metadata,
		IngestedAt:       time.Now().UTC(),
		Source:           source,
	}

	if p.Performance != nil {
		rec.LatencyMs = p.Performance.LatencyMs
		rec.TimeToFirstTokenMs = p.Performance.TimeToFirstTokenMs
	}

	return rec
}
