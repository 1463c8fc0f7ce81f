// Package forward performs the upstream call for a validated request and
// relays the response back, redacting sensitive words from event streams.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nyatishield/nyati/internal/shaper"
)

// slowForward is the upstream latency above which a call is logged.
const slowForward = 100 * time.Millisecond

// forwardedHeaders is the safelist of inbound headers copied upstream.
// Authorization is never copied; provider auth is applied separately.
var forwardedHeaders = []string{"Content-Type", "Accept", "User-Agent"}

// UpstreamError is returned when the upstream could not be reached or
// answered with a non-2xx status.
type UpstreamError struct {
	Status  int // upstream HTTP status, zero for transport failures
	Latency time.Duration
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	return "upstream request failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Request describes one upstream call.
type Request struct {
	Method            string
	URL               string
	Header            http.Header // inbound headers; only the safelist is used
	Body              []byte
	Provider          shaper.Provider
	Credential        string
	ValidationLatency time.Duration
}

// Response is a successful upstream response. The caller must close Body.
type Response struct {
	Status         int
	Header         http.Header
	Body           io.ReadCloser
	ContentLength  int64 // -1 when unknown
	ForwardLatency time.Duration
}

// Forwarder sends requests upstream.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Forwarder. A zero timeout leaves the call bounded only by
// the request context, which streaming responses need.
func New(timeout time.Duration, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Forwarder{
		client: &http.Client{Transport: transport},
		logger: logger,
		now:    time.Now,
	}
}

// NewWithClient returns a Forwarder using client.
func NewWithClient(client *http.Client, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{client: client, logger: logger, now: time.Now}
}

// Forward sends req upstream. The outbound call is bound to ctx, so a client
// disconnect cancels it. Non-2xx responses are drained and returned as
// *UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	out.Header.Set("X-Nyati-Verified", "true")
	out.Header.Set("X-Nyati-Validation-Time-Ms", FormatMs(req.ValidationLatency))
	out.Header.Set("X-Nyati-Timestamp", f.now().UTC().Format(time.RFC3339Nano))
	req.Provider.ApplyAuth(out.Header, req.Credential)

	start := time.Now()
	resp, err := f.client.Do(out)
	latency := time.Since(start)
	if latency > slowForward {
		f.logger.Warn("slow upstream", "provider", req.Provider.String(), "host", out.URL.Host,
			"latency_ms", FormatMs(latency))
	}
	if err != nil {
		return nil, &UpstreamError{Latency: latency, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &UpstreamError{
			Status:  resp.StatusCode,
			Latency: latency,
			Err:     errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	return &Response{
		Status:         resp.StatusCode,
		Header:         resp.Header,
		Body:           resp.Body,
		ContentLength:  resp.ContentLength,
		ForwardLatency: latency,
	}, nil
}

// FormatMs renders d in milliseconds with two decimals.
func FormatMs(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000.0, 'f', 2, 64)
}
