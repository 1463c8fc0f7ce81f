package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nyatishield/nyati/internal/apierr"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?limit=0", "limit", 10, 0},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestQueryString(t *testing.T) {
	r := httptest.NewRequest("GET", "/test?owner_id=acct_1", nil)
	if got := queryString(r, "owner_id"); got != "acct_1" {
		t.Errorf("queryString = %q", got)
	}
	if got := queryString(r, "missing"); got != "" {
		t.Errorf("queryString(missing) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// clampInt tests
// ---------------------------------------------------------------------------

func TestClampInt(t *testing.T) {
	tests := []struct {
		val, min, max, want int
	}{
		{50, 1, 1000, 50},
		{0, 1, 1000, 1},
		{-3, 1, 1000, 1},
		{5000, 1, 1000, 1000},
		{1000, 1, 1000, 1000},
	}
	for _, tt := range tests {
		if got := clampInt(tt.val, tt.min, tt.max); got != tt.want {
			t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// readJSON tests
// ---------------------------------------------------------------------------

func TestReadJSON(t *testing.T) {
	var v struct {
		Message string `json:"message"`
	}

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"message":"hi"}`))
	if err := readJSON(httptest.NewRecorder(), r, &v); err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if v.Message != "hi" {
		t.Errorf("Message = %q", v.Message)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"message":`))
	err := readJSON(httptest.NewRecorder(), r, &v)
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.BadRequest || ae.Code != "Invalid request body" {
		t.Errorf("malformed body: got %v", err)
	}

	// A type mismatch must not surface decoder detail to the client.
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"message":42}`))
	err = readJSON(httptest.NewRecorder(), r, &v)
	if !errors.As(err, &ae) || ae.Code != "Invalid request body" {
		t.Fatalf("type mismatch: got %v", err)
	}
	if strings.Contains(ae.Message, "Go struct") || strings.Contains(ae.Message, "unmarshal") {
		t.Errorf("message leaks decoder detail: %q", ae.Message)
	}
	if ae.Err == nil {
		t.Error("the decoder error should be kept for logging")
	}

	big := `{"message":"` + strings.Repeat("x", maxJSONBody) + `"}`
	r = httptest.NewRequest("POST", "/", strings.NewReader(big))
	err = readJSON(httptest.NewRecorder(), r, &v)
	if !errors.As(err, &ae) || ae.Code != "Request body too large" {
		t.Errorf("oversized body: got %v", err)
	}
}

func TestRejectBodyHidesDecoderError(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"message":["a"]}`))
	var v struct {
		Message string `json:"message"`
	}
	err := readJSON(httptest.NewRecorder(), r, &v)

	rr := httptest.NewRecorder()
	rejectBody(rr, discardLogger(), err)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "Go struct") || strings.Contains(body, "string") {
		t.Errorf("body leaks decoder detail: %s", body)
	}
	if !strings.Contains(body, `"message":"The request body must be a valid JSON object."`) {
		t.Errorf("body = %s", body)
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, apierr.NotFound, "API key not found", "")

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"error":"API key not found"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}
