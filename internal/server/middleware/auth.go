package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type    string // "admin" or "api_key"
	AdminID int64
	IsAdmin bool

	// Set for API key callers.
	KeyID             string
	OwnerID           string
	TargetURL         string
	Tier              model.Tier
	ValidationLatency time.Duration
	CacheHit          bool
}

// KeyValidator resolves a presented API key.
type KeyValidator interface {
	Validate(ctx context.Context, plaintext string) (*service.Validation, error)
}

// ValidationObserver receives one observation per key validation.
type ValidationObserver interface {
	ObserveValidation(seconds float64, cacheHit bool)
}

var (
	errMissingKey = apierr.New(apierr.Auth, "Invalid or missing API key",
		"Provide an API key as 'Authorization: Bearer <key>'.")
	errInvalidKey = apierr.New(apierr.Auth, "Invalid API key",
		"The API key was not recognised or has been revoked.")
)

// APIKey returns a middleware that validates the bearer API key and
// attaches an "api_key" Principal. With optional set, requests carrying no
// Authorization header pass through unauthenticated so the handler can
// answer them itself; a header that is present must still validate.
func APIKey(keys KeyValidator, obs ValidationObserver, logger *slog.Logger, optional bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				if optional && r.Header.Get("Authorization") == "" {
					next.ServeHTTP(w, r)
					return
				}
				apierr.Write(w, errMissingKey)
				return
			}

			v, err := keys.Validate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, service.ErrInvalidKey) {
					logger.Error("key validation failed", "error", err, "request_id", GetRequestID(r.Context()))
				}
				apierr.Write(w, errInvalidKey)
				return
			}
			if obs != nil {
				obs.ObserveValidation(v.Latency.Seconds(), v.CacheHit)
			}

			ctx := attachPrincipal(r.Context(), &Principal{
				Type:              "api_key",
				KeyID:             v.KeyID,
				OwnerID:           v.OwnerID,
				TargetURL:         v.TargetURL,
				Tier:              v.Tier,
				ValidationLatency: v.Latency,
				CacheHit:          v.CacheHit,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate returns an HTTP middleware that validates an admin JWT from
// the Authorization header. On success an "admin" Principal is attached to
// the request context; otherwise a 401 JSON error is returned.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				apierr.Write(w, apierr.New(apierr.Auth, "Authentication required",
					"Provide an admin session token as 'Authorization: Bearer <token>'."))
				return
			}
			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				apierr.Write(w, apierr.New(apierr.Auth, "Invalid token",
					"The admin session token is invalid or has expired. Log in again."))
				return
			}

			ctx := attachPrincipal(r.Context(), &Principal{
				Type:    "admin",
				AdminID: p.AdminID,
				IsAdmin: true,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin {
				apierr.Write(w, apierr.New(apierr.Forbidden, "Admin access required",
					"This endpoint requires an admin session, not an API key."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

type principalSlotKey struct{}

func withPrincipalSlot(ctx context.Context, slot **Principal) context.Context {
	return context.WithValue(ctx, principalSlotKey{}, slot)
}

// attachPrincipal stores p on ctx and reports it to an enclosing Logger.
func attachPrincipal(ctx context.Context, p *Principal) context.Context {
	if slot, ok := ctx.Value(principalSlotKey{}).(**Principal); ok {
		*slot = p
	}
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}
