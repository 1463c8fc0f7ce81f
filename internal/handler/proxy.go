package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/forward"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/server/middleware"
	"github.com/nyatishield/nyati/internal/shaper"
	"github.com/nyatishield/nyati/internal/telemetry"
)

// Version is reported by the proxy status document.
const Version = "1.0.0"

// ProxyConfig carries the proxy's tunables.
type ProxyConfig struct {
	MaxTokens   int
	MaxBodySize int64
}

// ProxyHandler serves the shielded forwarding endpoint.
type ProxyHandler struct {
	limiter   *ratelimit.Limiter
	forwarder *forward.Forwarder
	pools     shaper.Pools
	redactor  *forward.Redactor
	sink      *telemetry.Sink
	metrics   *telemetry.Metrics
	cfg       ProxyConfig
	logger    *slog.Logger
}

// NewProxyHandler creates a new ProxyHandler. sink, metrics and redactor may
// be nil.
func NewProxyHandler(limiter *ratelimit.Limiter, forwarder *forward.Forwarder, pools shaper.Pools,
	redactor *forward.Redactor, sink *telemetry.Sink, metrics *telemetry.Metrics, cfg ProxyConfig, logger *slog.Logger) *ProxyHandler {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = shaper.DefaultMaxTokens
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{
		limiter:   limiter,
		forwarder: forwarder,
		pools:     pools,
		redactor:  redactor,
		sink:      sink,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// statusDoc is returned for unauthenticated GETs.
type statusDoc struct {
	Status     string   `json:"status"`
	Endpoint   string   `json:"endpoint"`
	Methods    []string `json:"methods"`
	Security   string   `json:"security"`
	Forwarding string   `json:"forwarding"`
}

// pingResponse is returned for keys with nowhere to forward to.
type pingResponse struct {
	Success             bool      `json:"success"`
	Message             string    `json:"message"`
	Timestamp           time.Time `json:"timestamp"`
	ValidationLatencyMs string    `json:"validation_latency_ms"`
	Note                string    `json:"note"`
}

// route is where one proxied request goes.
type route struct {
	provider shaper.Provider
	url      string
}

// Proxy validates, shapes and forwards a request.
// ANY /api/v1/proxy and /api/v1/proxy/*
func (h *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			writeJSON(w, http.StatusOK, statusDoc{
				Status:     "Nyati Security Proxy v" + Version,
				Endpoint:   "/api/v1/proxy",
				Methods:    []string{"GET", "POST", "PUT", "DELETE"},
				Security:   "Salted SHA-256 with constant-time comparison",
				Forwarding: "Request forwarding enabled when target_url is configured",
			})
			return
		}
		writeError(w, apierr.Auth, "Invalid or missing API key", "Provide an API key as 'Authorization: Bearer <key>'.")
		return
	}

	rt, ok := resolveRoute(p, chi.URLParam(r, "*"), r.URL.RawQuery)
	if !ok {
		h.ping(w, r, p)
		return
	}

	res := h.limiter.CheckMinute(r.Context(), p.KeyID)
	w.Header().Set("X-Nyati-Limit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		h.metrics.CountRequest("proxy", "rate_limited")
		e := apierr.New(apierr.RateLimit, "Rate limit exceeded",
			fmt.Sprintf("Nyati Shield: Maximum %d requests per minute exceeded. Please slow down.", res.Limit)).
			With("retry_after", 60)
		e.RetryAfter = 60
		w.Header().Set("X-Nyati-Rate-Limit", fmt.Sprintf("%d/min", res.Limit))
		apierr.Write(w, e)
		h.record(p, "proxy", http.StatusTooManyRequests, 0)
		return
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
		if err != nil {
			writeError(w, apierr.BadRequest, "Request body too large", "The request body exceeds the maximum allowed size.")
			return
		}
	}

	var (
		credential string
		clamped    bool
	)
	if rt.provider != shaper.Custom {
		body, clamped = shaper.ClampTokens(body, h.cfg.MaxTokens)
		var err error
		credential, err = h.pools.Next(rt.provider)
		if err != nil {
			h.logger.Error("no upstream credentials configured", "provider", rt.provider.String(), "error", err)
			h.metrics.CountRequest("proxy", "shaping_error")
			apierr.Write(w, apierr.Wrap(apierr.Shaping, "Upstream credentials not configured",
				"The proxy has no credentials for provider "+rt.provider.String()+".", err))
			h.record(p, "proxy", http.StatusInternalServerError, 0)
			return
		}
	}

	resp, err := h.forwarder.Forward(r.Context(), &forward.Request{
		Method:            r.Method,
		URL:               rt.url,
		Header:            r.Header,
		Body:              body,
		Provider:          rt.provider,
		Credential:        credential,
		ValidationLatency: p.ValidationLatency,
	})
	if err != nil {
		h.upstreamFailure(w, r, p, err)
		return
	}
	defer resp.Body.Close()
	h.metrics.ObserveForward(rt.provider.String(), resp.ForwardLatency.Seconds())

	hdr := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("X-Nyati-Verified", "true")
	hdr.Set("X-Nyati-Validation-Time-Ms", forward.FormatMs(p.ValidationLatency))
	hdr.Set("X-Nyati-Forward-Time-Ms", forward.FormatMs(resp.ForwardLatency))
	hdr.Set("X-Nyati-Provider", rt.provider.String())
	if clamped {
		hdr.Set("X-Nyati-Max-Tokens", strconv.Itoa(h.cfg.MaxTokens))
		hdr.Set("X-Nyati-Shield", "tokens-truncated")
	}
	w.WriteHeader(resp.Status)

	if err := forward.Relay(w, resp, h.redactor); err != nil {
		// Headers are gone; the client sees a truncated body.
		h.logger.Warn("relay interrupted", "key_id", p.KeyID, "error", err)
	}
	h.metrics.CountRequest("proxy", "forwarded")
	h.record(p, "proxy", resp.Status, resp.ForwardLatency)
}

func (h *ProxyHandler) ping(w http.ResponseWriter, r *http.Request, p *middleware.Principal) {
	res := h.limiter.PeekMinute(r.Context(), p.KeyID)
	w.Header().Set("X-Nyati-Limit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-Nyati-Limit-Reset", res.ResetAt.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, pingResponse{
		Success:             true,
		Message:             "Nyati Security Proxy",
		Timestamp:           time.Now().UTC(),
		ValidationLatencyMs: forward.FormatMs(p.ValidationLatency),
		Note:                "No target_url configured. Add a target_url to your API key to enable forwarding.",
	})
	h.metrics.CountRequest("proxy", "ping")
	h.record(p, "proxy", http.StatusOK, 0)
}

func (h *ProxyHandler) upstreamFailure(w http.ResponseWriter, r *http.Request, p *middleware.Principal, err error) {
	e := apierr.Wrap(apierr.Upstream, "Upstream server error", "The upstream server could not complete the request.", err).
		With("validation_latency_ms", forward.FormatMs(p.ValidationLatency))

	var fwd time.Duration
	var ue *forward.UpstreamError
	if errors.As(err, &ue) {
		fwd = ue.Latency
		if ue.Status > 0 {
			e = e.With("upstream_status", ue.Status)
		}
	}
	e = e.With("forward_latency_ms", forward.FormatMs(fwd))

	h.logger.Warn("upstream request failed", "key_id", p.KeyID, "error", err,
		"request_id", middleware.GetRequestID(r.Context()))
	h.metrics.CountRequest("proxy", "upstream_error")
	apierr.Write(w, e)
	h.record(p, "proxy", http.StatusBadGateway, fwd)
}

// record hands a usage entry to the telemetry sink without blocking.
func (h *ProxyHandler) record(p *middleware.Principal, endpoint string, status int, fwd time.Duration) {
	recordUsage(h.sink, p, endpoint, status, fwd)
}

func recordUsage(sink *telemetry.Sink, p *middleware.Principal, endpoint string, status int, fwd time.Duration) {
	if sink == nil || p == nil {
		return
	}
	sink.RecordUsage(&model.UsageRecord{
		ID:           uuid.Must(uuid.NewV7()).String(),
		KeyID:        p.KeyID,
		Endpoint:     endpoint,
		Status:       status,
		ValidationMs: msFloat(p.ValidationLatency),
		ForwardMs:    msFloat(fwd),
	})
}

func msFloat(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// resolveRoute picks the upstream for a request. A leading path segment that
// names a known provider routes there; otherwise the key's own target is
// used. ok is false when there is nowhere to forward to.
func resolveRoute(p *middleware.Principal, rest, rawQuery string) (route, bool) {
	rest = strings.TrimPrefix(rest, "/")
	first, remainder, _ := strings.Cut(rest, "/")
	if prov, ok := shaper.ParseProvider(first); ok {
		return route{provider: prov, url: prov.TargetURL(remainder, rawQuery)}, true
	}
	if p.TargetURL == "" {
		return route{}, false
	}
	return route{provider: shaper.Custom, url: shaper.JoinURL(p.TargetURL, rest, rawQuery)}, true
}
