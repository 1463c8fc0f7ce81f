// Package apierr is the error taxonomy of the public API and its mapping
// onto HTTP responses.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Kind classifies an error for status mapping.
type Kind int

const (
	Internal Kind = iota
	Auth
	Forbidden
	BadRequest
	RateLimit
	Shaping
	Upstream
	NotFound
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Forbidden:
		return "forbidden"
	case BadRequest:
		return "bad_request"
	case RateLimit:
		return "rate_limited"
	case Shaping:
		return "shaping"
	case Upstream:
		return "upstream"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is an API-facing error. Code is the short "error" field of the
// envelope, Message the human-readable "message". Fields are merged into the
// envelope as extra keys. Err is logged, never sent.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter int // seconds, 0 omits the header
	Fields     map[string]interface{}
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error's kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case Auth:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case RateLimit:
		return http.StatusTooManyRequests
	case Upstream:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		// Shaping failures are configuration problems on our side.
		return http.StatusInternalServerError
	}
}

// DefaultMessage is the human-readable message sent for kind when an Error
// carries none.
func DefaultMessage(kind Kind) string {
	switch kind {
	case Auth:
		return "Authentication is required and was missing or not accepted."
	case Forbidden:
		return "You do not have permission to perform this action."
	case BadRequest:
		return "The request could not be processed. Check the body and parameters."
	case RateLimit:
		return "Too many requests. Retry after the indicated delay."
	case Upstream:
		return "The upstream service failed to handle the request."
	case NotFound:
		return "The requested resource does not exist."
	case Conflict:
		return "The request conflicts with an existing resource."
	default:
		return "An unexpected error occurred."
	}
}

// With returns a copy of e with key set in the envelope.
func (e *Error) With(key string, value interface{}) *Error {
	cp := *e
	cp.Fields = make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// New builds an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that carries cause for logging.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// As extracts an *Error from err, treating anything else as Internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, "Internal server error", "An unexpected error occurred.", err)
}

// Write renders err as the JSON error envelope.
func Write(w http.ResponseWriter, err error) {
	e := As(err)

	body := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	if e.Message == "" {
		body["message"] = DefaultMessage(e.Kind)
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(body)
}
