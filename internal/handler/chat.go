package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/chat"
	"github.com/nyatishield/nyati/internal/forward"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/server/middleware"
	"github.com/nyatishield/nyati/internal/shaper"
	"github.com/nyatishield/nyati/internal/telemetry"
)

// Completer produces a chat reply.
type Completer interface {
	Complete(ctx context.Context, model, message string) (string, error)
}

// ChatHandler serves the metered AI chat endpoint.
type ChatHandler struct {
	limiter      *ratelimit.Limiter
	client       Completer
	redactor     *forward.Redactor
	sink         *telemetry.Sink
	metrics      *telemetry.Metrics
	messageLimit int
	logger       *slog.Logger
}

// NewChatHandler creates a new ChatHandler. messageLimit is the character
// cap for test-tier keys.
func NewChatHandler(limiter *ratelimit.Limiter, client Completer, redactor *forward.Redactor,
	sink *telemetry.Sink, metrics *telemetry.Metrics, messageLimit int, logger *slog.Logger) *ChatHandler {
	if messageLimit <= 0 {
		messageLimit = shaper.DefaultTestMessageLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		limiter:      limiter,
		client:       client,
		redactor:     redactor,
		sink:         sink,
		metrics:      metrics,
		messageLimit: messageLimit,
		logger:       logger,
	}
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

type chatResponse struct {
	Content string      `json:"content"`
	Type    string      `json:"type"`
	Model   string      `json:"model"`
	Usage   model.Usage `json:"usage"`
}

// Chat answers a single message.
// POST /api/v1/ai
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, apierr.Auth, "Invalid or missing API key", "Provide an API key as 'Authorization: Bearer <key>'.")
		return
	}

	usage, ok := chargeDaily(w, r, h.limiter, h.metrics, h.sink, p, "ai")
	if !ok {
		return
	}

	var req chatRequest
	if err := readJSON(w, r, &req); err != nil {
		rejectBody(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, apierr.BadRequest, "Message is required", "Send a JSON body with a non-empty \"message\" field.")
		return
	}
	if err := shaper.CheckMessageLength(p.Tier, req.Message, h.messageLimit); err != nil {
		writeError(w, apierr.BadRequest, "Test keys limited to short messages (max 500 characters)",
			"Shorten the message or use a free or paid key.")
		return
	}

	modelName := req.Model
	if modelName == "" {
		modelName = chat.DefaultModel
	}

	start := time.Now()
	content, err := h.client.Complete(r.Context(), modelName, req.Message)
	latency := time.Since(start)
	if err != nil {
		h.logger.Warn("chat completion failed", "key_id", p.KeyID, "model", modelName, "error", err)
		var ce *chat.Error
		e := apierr.Wrap(apierr.Upstream, "AI service unavailable", "The model server could not answer.", err)
		if errors.As(err, &ce) {
			e = e.With("upstream_status", ce.Status)
		}
		h.metrics.CountRequest("ai", "upstream_error")
		apierr.Write(w, e)
		recordUsage(h.sink, p, "ai", http.StatusBadGateway, latency)
		return
	}
	h.metrics.ObserveForward("nyati-core01", latency.Seconds())

	if h.redactor != nil {
		content = h.redactor.Redact(content)
	}

	w.Header().Set("X-Nyati-Provider", "nyati-core01")
	w.Header().Set("X-Nyati-Shield", "active")
	writeJSON(w, http.StatusOK, chatResponse{
		Content: content,
		Type:    "text",
		Model:   modelName,
		Usage:   usage,
	})
	h.metrics.CountRequest("ai", "answered")
	recordUsage(h.sink, p, "ai", http.StatusOK, latency)
}
