package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func validPayload() *Payload {
	return &Payload{
		RequestID:      "req-1",
		Timestamp:      time.Now().Add(-time.Minute),
		Provider:       "openai",
		Model:          Model{Name: "gpt-4"},
		OrganizationID: "org-1",
		Usage: TokenCounts{
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
		},
	}
}

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	assert.Empty(t, Validate(validPayload()))
}

func TestValidateCollectsAllViolations(t *testing.T) {
	p := &Payload{
		Usage: TokenCounts{
			PromptTokens:     -5,
			CompletionTokens: 10,
			TotalTokens:      10,
		},
	}

	errs := Validate(p)

	codes := make(map[string][]string)
	for _, e := range errs {
		codes[e.Field] = append(codes[e.Field], e.Code)
	}
	assert.Contains(t, codes["provider"], CodeRequired)
	assert.Contains(t, codes["model.name"], CodeRequired)
	assert.Contains(t, codes["organization_id"], CodeRequired)
	assert.Contains(t, codes["timestamp"], CodeRequired)
	assert.Contains(t, codes["usage.prompt_tokens"], CodeNegativeTokens)
	require.GreaterOrEqual(t, len(errs), 5, "all violations must be reported, not just the first")
}

func TestValidateTokenMismatch(t *testing.T) {
	p := validPayload()
	p.Usage.TotalTokens = 151

	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeTokenMismatch, errs[0].Code)
	assert.Equal(t, "usage.total_tokens", errs[0].Field)
}

func TestValidateZeroTotalTokens(t *testing.T) {
	p := validPayload()
	p.Usage = TokenCounts{}

	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeZeroTokens, errs[0].Code)
}

func TestValidateCachedExceedsPrompt(t *testing.T) {
	p := validPayload()
	p.Usage.CachedTokens = int64Ptr(101)

	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeCachedExceeds, errs[0].Code)
}

func TestValidateFutureTimestamp(t *testing.T) {
	p := validPayload()
	p.Timestamp = time.Now().Add(time.Hour)

	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeFutureTimestamp, errs[0].Code)
}

func TestValidateNegativeCachedSkipsComparison(t *testing.T) {
	p := validPayload()
	p.Usage.CachedTokens = int64Ptr(-1)

	errs := Validate(p)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNegativeTokens, errs[0].Code)
}

func TestNormalizeMintsIdentity(t *testing.T) {
	p := validPayload()
	p.RequestID = ""
	p.Performance = &Performance{LatencyMs: int64Ptr(420)}

	rec := Normalize(p, "webhook")

	assert.NotEqual(t, rec.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.NotEmpty(t, rec.RequestID, "missing request id must be minted")
	assert.Equal(t, "webhook", rec.Source)
	assert.Equal(t, int64(100), rec.PromptTokens)
	require.NotNil(t, rec.LatencyMs)
	assert.Equal(t, int64(420), *rec.LatencyMs)
	assert.False(t, rec.IngestedAt.IsZero())
}

func TestNormalizeKeepsCallerRequestID(t *testing.T) {
	p := validPayload()
	rec := Normalize(p, "stream")
	assert.Equal(t, "req-1", rec.RequestID)
}

func TestValidateBatchIsolatesFailures(t *testing.T) {
	good := *validPayload()
	bad := *validPayload()
	bad.Usage.TotalTokens = 9999
	alsoGood := *validPayload()
	alsoGood.RequestID = "req-3"

	items := ValidateBatch([]Payload{good, bad, alsoGood}, "webhook")

	require.Len(t, items, 3)
	assert.NotNil(t, items[0].Record)
	assert.Empty(t, items[0].Errors)

	assert.Nil(t, items[1].Record)
	require.NotEmpty(t, items[1].Errors)
	assert.Equal(t, 1, items[1].Index)
	assert.Equal(t, CodeTokenMismatch, items[1].Errors[0].Code)

	require.NotNil(t, items[2].Record)
	assert.Equal(t, "req-3", items[2].Record.RequestID)
}
