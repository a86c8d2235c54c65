package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/auth"
	"github.com/vnmchuo/costops/internal/costs"
	"github.com/vnmchuo/costops/internal/usage"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

// OverrideStore lets admin endpoints mutate per-tenant rate-limit configs at
// runtime. Both concrete limiters implement it; Noop deployments pass nil.
type OverrideStore interface {
	SetOverride(tenantID string, cfg ratelimit.Config)
	RemoveOverride(tenantID string)
}

type Handler struct {
	service   *Service
	store     costs.Store
	agg       *aggregate.Aggregator
	overrides OverrideStore
}

func NewHandler(service *Service, store costs.Store, agg *aggregate.Aggregator, overrides OverrideStore) *Handler {
	return &Handler{
		service:   service,
		store:     store,
		agg:       agg,
		overrides: overrides,
	}
}

// HandleSubmit accepts one usage payload: POST /v1/usage.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var payload usage.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	// The authenticated key owns the tenant; the payload may not speak for
	// another organization.
	if payload.OrganizationID == "" {
		payload.OrganizationID = tenantID
	} else if payload.OrganizationID != tenantID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "organization_id does not match API key"})
		return
	}

	resp, err := h.service.Submit(r.Context(), &payload, "webhook")
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	setRateLimitHeaders(w, resp.RateLimit)
	status := http.StatusOK
	if resp.Status == StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

type batchRequest struct {
	Records []usage.Payload `json:"records"`
}

// HandleSubmitBatch accepts up to MaxBatchSize payloads: POST /v1/usage/batch.
func (h *Handler) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "records must not be empty"})
		return
	}
	for i := range req.Records {
		if req.Records[i].OrganizationID == "" {
			req.Records[i].OrganizationID = tenantID
		}
	}

	resp, err := h.service.SubmitBatch(r.Context(), tenantID, req.Records, "webhook")
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	setRateLimitHeaders(w, resp.RateLimit)
	writeJSON(w, http.StatusOK, resp)
}

// HandleSummary returns persisted totals: GET /v1/costs/summary?from=&to=.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
		to = t
	}

	summary, err := h.store.Summarize(r.Context(), tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleRollups returns the in-process aggregation snapshot:
// GET /v1/costs/rollups?dimension=&prefix=.
func (h *Handler) HandleRollups(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.tenant(w, r); !ok {
		return
	}

	filter := aggregate.Filter{
		Dimension: aggregate.Dimension(r.URL.Query().Get("dimension")),
		KeyPrefix: r.URL.Query().Get("prefix"),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buckets": h.agg.Snapshot(filter),
	})
}

type overrideRequest struct {
	MaxRequests   int64 `json:"max_requests"`
	WindowSeconds int64 `json:"window_seconds"`
	Burst         int64 `json:"burst"`
}

// HandleSetOverride installs a per-tenant rate-limit override at runtime:
// PUT /v1/admin/ratelimits/{tenant}.
func (h *Handler) HandleSetOverride(tenantParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.overrides == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "rate limiting disabled"})
			return
		}
		target := tenantParam(r)
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.MaxRequests <= 0 || req.WindowSeconds <= 0 || req.Burst < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_requests and window_seconds must be positive, burst non-negative"})
			return
		}
		h.overrides.SetOverride(target, ratelimit.Config{
			MaxRequests: req.MaxRequests,
			Window:      time.Duration(req.WindowSeconds) * time.Second,
			Burst:       req.Burst,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenant": target})
	}
}

// HandleRemoveOverride reverts a tenant to defaults:
// DELETE /v1/admin/ratelimits/{tenant}.
func (h *Handler) HandleRemoveOverride(tenantParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.overrides == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "rate limiting disabled"})
			return
		}
		target := tenantParam(r)
		h.overrides.RemoveOverride(target)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenant": target})
	}
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := auth.GetOrganizationID(r.Context())
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return tenantID, true
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var rateLimited *RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		setRateLimitHeaders(w, rateLimited.Decision)
		retryAfter := int(math.Ceil(rateLimited.Decision.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retryAfter,
		})
	case errors.Is(err, ErrBatchTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(d.ResetIn.Seconds()))))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
