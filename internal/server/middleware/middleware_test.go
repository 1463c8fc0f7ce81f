package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nyatishield/nyati/internal/config"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/service"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID == "" {
		t.Error("expected X-Request-ID in response header")
	}
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestRequestIDReplacesMalformedClientID(t *testing.T) {
	for _, bad := range []string{"has space", "tab\there", strings.Repeat("x", 129)} {
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", bad)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := rr.Header().Get("X-Request-ID")
		if got == bad || len(got) != 36 {
			t.Errorf("X-Request-ID %q: got %q, want a fresh UUID", bad, got)
		}
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	id := GetRequestID(context.Background())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// RequireAdmin middleware tests
// ---------------------------------------------------------------------------

func TestRequireAdminAllowsAdmins(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireAdmin()(inner)

	req := httptest.NewRequest("GET", "/admin", nil)
	ctx := context.WithValue(req.Context(), AuthPrincipalKey, &Principal{
		Type:    "admin",
		AdminID: 1,
		IsAdmin: true,
	})
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestRequireAdminBlocksNonAdmins(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called for non-admin")
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireAdmin()(inner)

	req := httptest.NewRequest("GET", "/admin", nil)
	ctx := context.WithValue(req.Context(), AuthPrincipalKey, &Principal{
		Type:    "api_key",
		KeyID:   "key-1",
		IsAdmin: false,
	})
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestRequireAdminBlocksUnauthenticated(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called for unauthenticated")
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireAdmin()(inner)

	req := httptest.NewRequest("GET", "/admin", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// GetPrincipal tests
// ---------------------------------------------------------------------------

func TestGetPrincipalWithValue(t *testing.T) {
	expected := &Principal{Type: "admin", AdminID: 42, IsAdmin: true}
	ctx := context.WithValue(context.Background(), AuthPrincipalKey, expected)

	got := GetPrincipal(ctx)
	if got == nil {
		t.Fatal("expected non-nil principal")
	}
	if got.AdminID != 42 {
		t.Errorf("expected AdminID 42, got %d", got.AdminID)
	}
	if !got.IsAdmin {
		t.Error("expected IsAdmin true")
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	got := GetPrincipal(context.Background())
	if got != nil {
		t.Error("expected nil principal from bare context")
	}
}

// ---------------------------------------------------------------------------
// APIKey middleware tests
// ---------------------------------------------------------------------------

type stubValidator struct {
	valid map[string]*service.Validation
	err   error
	calls int
}

func (s *stubValidator) Validate(_ context.Context, plaintext string) (*service.Validation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.valid[plaintext]; ok {
		return v, nil
	}
	return nil, service.ErrInvalidKey
}

type stubObserver struct{ hits, misses int }

func (o *stubObserver) ObserveValidation(_ float64, cacheHit bool) {
	if cacheHit {
		o.hits++
	} else {
		o.misses++
	}
}

func newStubValidator() *stubValidator {
	return &stubValidator{valid: map[string]*service.Validation{
		"ry_good_key_123456": {
			KeyID:     "key-1",
			OwnerID:   "owner-1",
			TargetURL: "https://upstream.example.com",
			Tier:      model.TierFree,
			CacheHit:  true,
			Latency:   time.Millisecond,
		},
	}}
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	s, _ := body["error"].(string)
	return s
}

func TestAPIKeyAttachesPrincipal(t *testing.T) {
	obs := &stubObserver{}
	var got *Principal
	handler := APIKey(newStubValidator(), obs, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest("POST", "/api/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer ry_good_key_123456")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got == nil || got.Type != "api_key" || got.KeyID != "key-1" || got.OwnerID != "owner-1" {
		t.Fatalf("unexpected principal: %+v", got)
	}
	if got.IsAdmin {
		t.Error("API key principals must not be admins")
	}
	if obs.hits != 1 {
		t.Errorf("expected one cache-hit observation, got %d", obs.hits)
	}
}

func TestAPIKeyRejectsInvalid(t *testing.T) {
	handler := APIKey(newStubValidator(), nil, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/api/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer ry_wrong_key_00000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if e := errorBody(t, rr); e != "Invalid API key" {
		t.Errorf("error: got %q", e)
	}
}

func TestAPIKeyMissingHeader(t *testing.T) {
	for _, h := range []string{"", "Basic abc", "Bearer "} {
		v := newStubValidator()
		handler := APIKey(v, nil, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("inner handler should not be called")
		}))
		req := httptest.NewRequest("POST", "/api/v1/ai", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", h, rr.Code)
		}
		if v.calls != 0 {
			t.Errorf("header %q: validator should not be consulted", h)
		}
	}
}

func TestAPIKeyOptionalPassesAnonymous(t *testing.T) {
	called := false
	handler := APIKey(newStubValidator(), nil, nil, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if GetPrincipal(r.Context()) != nil {
			t.Error("expected no principal")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/proxy", nil))
	if !called || rr.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rr.Code)
	}

	// A malformed header is still rejected.
	req := httptest.NewRequest("GET", "/api/v1/proxy", nil)
	req.Header.Set("Authorization", "Token abc")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for malformed header, got %d", rr.Code)
	}
}

func TestAPIKeyStoreFailureIsUnauthorized(t *testing.T) {
	v := &stubValidator{err: fmt.Errorf("%w: connection refused", service.ErrInvalidKey)}
	handler := APIKey(v, nil, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/api/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer ry_good_key_123456")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Error("internal error detail leaked into response")
	}
}

// ---------------------------------------------------------------------------
// Authenticate middleware tests
// ---------------------------------------------------------------------------

func newAuthService(t *testing.T) *service.AuthService {
	t.Helper()
	store, err := config.NewStore(config.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return service.NewAuthService(store, "middleware-test-secret")
}

func TestAuthenticateAcceptsJWT(t *testing.T) {
	auth := newAuthService(t)
	token, err := auth.IssueJWT(context.Background(), 7, "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	handler := Authenticate(auth)(RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := GetPrincipal(r.Context()); p == nil || p.AdminID != 7 {
			t.Errorf("unexpected principal: %+v", p)
		}
	})))

	req := httptest.NewRequest("GET", "/api/v1/system/api-key", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAuthenticateRejects(t *testing.T) {
	handler := Authenticate(newAuthService(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	}))

	for _, h := range []string{"", "Bearer not-a-jwt", "Bearer ry_an_api_key_is_not_a_session"} {
		req := httptest.NewRequest("GET", "/api/v1/system/api-key", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", h, rr.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Logger and RateLimit tests
// ---------------------------------------------------------------------------

func TestLoggerRecordsKeyIDNotKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := RequestID(Logger(logger)(APIKey(newStubValidator(), nil, logger, false)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))))

	req := httptest.NewRequest("POST", "/api/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer ry_good_key_123456")
	chain.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if !strings.Contains(line, `"key_id":"key-1"`) {
		t.Errorf("expected key_id in log line: %s", line)
	}
	if !strings.Contains(line, `"status":418`) {
		t.Errorf("expected status in log line: %s", line)
	}
	if strings.Contains(line, "ry_good_key_123456") {
		t.Error("plaintext key leaked into logs")
	}
}

func TestLoggerPreservesFlusher(t *testing.T) {
	handler := Logger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: x\n\n"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through logger: %v", err)
		}
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if !rr.Flushed {
		t.Error("expected the underlying writer to be flushed")
	}
}

func TestRateLimitByIP(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/v1/proxy", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After on 429")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}
}
