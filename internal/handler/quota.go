package handler

import (
	"net/http"
	"time"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/server/middleware"
	"github.com/nyatishield/nyati/internal/telemetry"
)

// chargeDaily counts the request against the owner's daily quota. It writes
// the 429 itself and reports false when the quota is spent.
func chargeDaily(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter, metrics *telemetry.Metrics,
	sink *telemetry.Sink, p *middleware.Principal, endpoint string) (model.Usage, bool) {
	res := limiter.CheckDaily(r.Context(), p.OwnerID)
	usage := model.Usage{RequestsRemaining: res.Remaining, ResetTime: res.ResetAt}
	if res.Allowed {
		return usage, true
	}

	e := apierr.New(apierr.RateLimit, "Daily rate limit exceeded",
		"The daily request quota for this account is used up.").
		With("usage", model.Usage{RequestsRemaining: 0, ResetTime: res.ResetAt})
	e.RetryAfter = res.RetryAfter(time.Now())
	apierr.Write(w, e)
	metrics.CountRequest(endpoint, "rate_limited")
	recordUsage(sink, p, endpoint, http.StatusTooManyRequests, 0)
	return usage, false
}
