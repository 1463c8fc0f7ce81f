// Package ratelimit enforces the per-key minute limit and the per-owner daily
// limit on top of a shared counter backend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Decision is the raw outcome of consulting the counter backend.
type Decision int

const (
	Allowed Decision = iota
	Denied
	// Indeterminate means the backend could not answer in time.
	Indeterminate
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "indeterminate"
	}
}

// Mode decides what an Indeterminate decision means.
type Mode int

const (
	FailOpen Mode = iota
	FailClosed
)

// Policy holds the failure mode of each limiter.
type Policy struct {
	Minute Mode
	Daily  Mode
}

// DefaultPolicy lets traffic through when counters are unavailable.
var DefaultPolicy = Policy{Minute: FailOpen, Daily: FailOpen}

const (
	scopeMinute = "minute"
	scopeDay    = "day"

	minuteBucket = "2006-01-02T15:04"
	dayBucket    = "2006-01-02"
)

// Result is what a caller needs to answer a request.
type Result struct {
	Decision  Decision
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Counters is a keyed counter store. IncrementCounter adds one unless the
// counter already reached limit and reports whether it did.
type Counters interface {
	IncrementCounter(ctx context.Context, scope, subject, bucket string, limit int, expiresAt time.Time) (int, bool, error)
	GetCounter(ctx context.Context, scope, subject, bucket string) (int, error)
}

// DecisionRecorder receives one call per limiter check.
type DecisionRecorder interface {
	CountDecision(limiter, decision string)
}

// Config sizes a Limiter. A limit <= 0 disables that limiter.
type Config struct {
	PerMinute int
	PerDay    int
	Timeout   time.Duration
	Policy    Policy
}

// Limiter applies the minute and daily limits.
type Limiter struct {
	counters Counters
	cfg      Config
	logger   *slog.Logger
	recorder DecisionRecorder
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRecorder reports every decision to r.
func WithRecorder(r DecisionRecorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter over counters.
func New(counters Counters, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{counters: counters, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PerMinute returns the configured minute limit.
func (l *Limiter) PerMinute() int { return l.cfg.PerMinute }

// PerDay returns the configured daily limit.
func (l *Limiter) PerDay() int { return l.cfg.PerDay }

// CheckMinute counts one request against keyID's current minute.
func (l *Limiter) CheckMinute(ctx context.Context, keyID string) Result {
	now := l.now().UTC()
	reset := now.Truncate(time.Minute).Add(time.Minute)
	return l.check(ctx, scopeMinute, keyID, now.Format(minuteBucket), l.cfg.PerMinute, reset, l.cfg.Policy.Minute)
}

// CheckDaily counts one request against ownerID's current UTC day.
func (l *Limiter) CheckDaily(ctx context.Context, ownerID string) Result {
	now := l.now().UTC()
	return l.check(ctx, scopeDay, ownerID, now.Format(dayBucket), l.cfg.PerDay, nextMidnight(now), l.cfg.Policy.Daily)
}

// PeekMinute reports how many requests keyID has left this minute without
// counting one.
func (l *Limiter) PeekMinute(ctx context.Context, keyID string) Result {
	now := l.now().UTC()
	reset := now.Truncate(time.Minute).Add(time.Minute)
	limit := l.cfg.PerMinute
	if limit <= 0 {
		return Result{Decision: Allowed, Allowed: true, Remaining: -1, ResetAt: reset}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	n, err := l.counters.GetCounter(ctx, scopeMinute, keyID, now.Format(minuteBucket))
	if err != nil {
		l.logger.Warn("rate limit peek failed", "limiter", scopeMinute, "subject", keyID, "error", err)
		return Result{Decision: Indeterminate, Allowed: true, Remaining: limit, Limit: limit, ResetAt: reset}
	}
	return Result{Decision: Allowed, Allowed: true, Remaining: max(limit-n, 0), Limit: limit, ResetAt: reset}
}

func (l *Limiter) check(ctx context.Context, scope, subject, bucket string, limit int, reset time.Time, mode Mode) Result {
	if limit <= 0 {
		return Result{Decision: Allowed, Allowed: true, Remaining: -1, ResetAt: reset}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	// Keep counters around a little past their window so late readers still
	// see them; the janitor prunes them afterwards.
	count, ok, err := l.counters.IncrementCounter(ctx, scope, subject, bucket, limit, reset.Add(time.Minute))

	res := Result{Limit: limit, ResetAt: reset}
	switch {
	case err != nil:
		res.Decision = Indeterminate
		res.Allowed = mode == FailOpen
		if res.Allowed {
			res.Remaining = limit
		}
		l.logger.Warn("rate limit backend unavailable",
			"limiter", scope, "subject", subject, "fail_open", res.Allowed, "error", err)
	case ok:
		res.Decision = Allowed
		res.Allowed = true
		res.Remaining = max(limit-count, 0)
	default:
		res.Decision = Denied
	}

	if l.recorder != nil {
		l.recorder.CountDecision(scope, res.Decision.String())
	}
	return res
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// RetryAfter returns whole seconds until r resets, at least one.
func (r Result) RetryAfter(now time.Time) int {
	s := int(r.ResetAt.Sub(now).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

// String is used in log lines.
func (r Result) String() string {
	return fmt.Sprintf("%s %d/%d reset=%s", r.Decision, r.Remaining, r.Limit, r.ResetAt.Format(time.RFC3339))
}
