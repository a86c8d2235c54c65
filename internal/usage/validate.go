package usage

import (
	"fmt"
	"time"
)

// Field violation codes reported to callers.
const (
	CodeRequired        = "REQUIRED"
	CodeTokenMismatch   = "TOKEN_MISMATCH"
	CodeNegativeTokens  = "NEGATIVE_TOKENS"
	CodeZeroTokens      = "ZERO_TOKENS"
	CodeCachedExceeds   = "CACHED_EXCEEDS_PROMPT"
	CodeFutureTimestamp = "FUTURE_TIMESTAMP"
)

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a raw payload for internal consistency. It collects every
// violation instead of failing fast so batch callers get complete per-record
// detail. A nil return means the payload is acceptable.
func Validate(p *Payload) []FieldError {
	var errs []FieldError

	if p.Provider == "" {
		errs = append(errs, FieldError{Field: "provider", Code: CodeRequired, Message: "provider is required"})
	}
	if p.Model.Name == "" {
		errs = append(errs, FieldError{Field: "model.name", Code: CodeRequired, Message: "model name is required"})
	}
	if p.OrganizationID == "" {
		errs = append(errs, FieldError{Field: "organization_id", Code: CodeRequired, Message: "organization id is required"})
	}
	if p.Timestamp.IsZero() {
		errs = append(errs, FieldError{Field: "timestamp", Code: CodeRequired, Message: "timestamp is required"})
	} else if p.Timestamp.After(time.Now()) {
		errs = append(errs, FieldError{
			Field:   "timestamp",
			Code:    CodeFutureTimestamp,
			Message: fmt.Sprintf("timestamp %s is in the future", p.Timestamp.Format(time.RFC3339)),
		})
	}

	u := p.Usage
	if u.PromptTokens < 0 {
		errs = append(errs, FieldError{Field: "usage.prompt_tokens", Code: CodeNegativeTokens, Message: "prompt_tokens must not be negative"})
	}
	if u.CompletionTokens < 0 {
		errs = append(errs, FieldError{Field: "usage.completion_tokens", Code: CodeNegativeTokens, Message: "completion_tokens must not be negative"})
	}
	if u.TotalTokens < 0 {
		errs = append(errs, FieldError{Field: "usage.total_tokens", Code: CodeNegativeTokens, Message: "total_tokens must not be negative"})
	}
	if u.CachedTokens != nil && *u.CachedTokens < 0 {
		errs = append(errs, FieldError{Field: "usage.cached_tokens", Code: CodeNegativeTokens, Message: "cached_tokens must not be negative"})
	}
	if u.ReasoningTokens != nil && *u.ReasoningTokens < 0 {
		errs = append(errs, FieldError{Field: "usage.reasoning_tokens", Code: CodeNegativeTokens, Message: "reasoning_tokens must not be negative"})
	}

	// Arithmetic checks only make sense over non-negative counts.
	if u.PromptTokens >= 0 && u.CompletionTokens >= 0 && u.TotalTokens >= 0 {
		if u.TotalTokens == 0 {
			errs = append(errs, FieldError{Field: "usage.total_tokens", Code: CodeZeroTokens, Message: "total_tokens must be greater than zero"})
		} else if u.PromptTokens+u.CompletionTokens != u.TotalTokens {
			errs = append(errs, FieldError{
				Field: "usage.total_tokens",
				Code:  CodeTokenMismatch,
				Message: fmt.Sprintf("total_tokens %d does not equal prompt_tokens %d + completion_tokens %d",
					u.TotalTokens, u.PromptTokens, u.CompletionTokens),
			})
		}
	}

	if u.CachedTokens != nil && *u.CachedTokens >= 0 && *u.CachedTokens > u.PromptTokens {
		errs = append(errs, FieldError{
			Field:   "usage.cached_tokens",
			Code:    CodeCachedExceeds,
			Message: fmt.Sprintf("cached_tokens %d exceeds prompt_tokens %d", *u.CachedTokens, u.PromptTokens),
		})
	}

	return errs
}

// BatchItem is the outcome of validating one payload inside a batch.
type BatchItem struct {
	Index  int
	Record *Record      // set when the payload validated
	Errors []FieldError // set when it did not
}

// ValidateBatch validates every payload independently so a batch is never
// rejected wholesale because one record is invalid. Callers enforce the
// batch-size cap before calling.
func ValidateBatch(payloads []Payload, source string) []BatchItem {
	items := make([]BatchItem, 0, len(payloads))
	for i := range payloads {
		p := &payloads[i]
		if errs := Validate(p); len(errs) > 0 {
			items = append(items, BatchItem{Index: i, Errors: errs})
			continue
		}
		items = append(items, BatchItem{Index: i, Record: Normalize(p, source)})
	}
	return items
}
