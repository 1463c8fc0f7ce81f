package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/search"
	"github.com/nyatishield/nyati/internal/server/middleware"
	"github.com/nyatishield/nyati/internal/telemetry"
)

// SearchHandler serves the metered search endpoint.
type SearchHandler struct {
	limiter *ratelimit.Limiter
	backend search.Backend
	sink    *telemetry.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(limiter *ratelimit.Limiter, backend search.Backend, sink *telemetry.Sink,
	metrics *telemetry.Metrics, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{limiter: limiter, backend: backend, sink: sink, metrics: metrics, logger: logger}
}

type searchRequest struct {
	Query string `json:"query"`
	Type  string `json:"type"`
}

type searchResponse struct {
	Results []search.Result `json:"results"`
	Total   int             `json:"total"`
	Usage   model.Usage     `json:"usage"`
}

// Search runs a query.
// POST /api/v1/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, apierr.Auth, "Invalid or missing API key", "Provide an API key as 'Authorization: Bearer <key>'.")
		return
	}

	usage, ok := chargeDaily(w, r, h.limiter, h.metrics, h.sink, p, "search")
	if !ok {
		return
	}

	var req searchRequest
	if err := readJSON(w, r, &req); err != nil {
		rejectBody(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, apierr.BadRequest, "Query is required", "Send a JSON body with a non-empty \"query\" field.")
		return
	}

	results, err := h.backend.Search(r.Context(), req.Query, req.Type)
	if err != nil {
		h.logger.Error("search failed", "key_id", p.KeyID, "error", err)
		apierr.Write(w, err)
		recordUsage(h.sink, p, "search", http.StatusInternalServerError, 0)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results: results,
		Total:   len(results),
		Usage:   usage,
	})
	h.metrics.CountRequest("search", "answered")
	recordUsage(h.sink, p, "search", http.StatusOK, 0)
}
