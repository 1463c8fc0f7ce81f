package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/nyatishield/nyati/internal/apierr"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. It is a coarse flood guard in front of
// key validation; per-key quotas are enforced by the handlers.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			e := apierr.New(apierr.RateLimit, "Too many requests",
				"Too many requests from this address. Please slow down.")
			e.RetryAfter = 60
			apierr.Write(w, e)
		}),
	)
}
