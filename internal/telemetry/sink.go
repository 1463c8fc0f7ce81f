// Package telemetry records per-request usage off the request path and
// exposes the proxy's Prometheus metrics.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/safego"
)

// UsageWriter persists usage records.
type UsageWriter interface {
	RecordUsage(ctx context.Context, rec *model.UsageRecord) error
}

// SinkConfig sizes the worker pool.
type SinkConfig struct {
	Workers int
	Queue   int
	Timeout time.Duration // per write
}

// Sink writes usage records on a bounded pool of background workers.
// RecordUsage never blocks the caller: when the queue is full the record is
// dropped and counted.
type Sink struct {
	writer  UsageWriter
	cfg     SinkConfig
	metrics *Metrics
	logger  *slog.Logger

	queue chan *model.UsageRecord
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewSink starts cfg.Workers workers draining into writer.
func NewSink(writer UsageWriter, cfg SinkConfig, metrics *Metrics, logger *slog.Logger) *Sink {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		writer:  writer,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan *model.UsageRecord, cfg.Queue),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// RecordUsage enqueues rec and reports whether it was accepted.
func (s *Sink) RecordUsage(rec *model.UsageRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case s.queue <- rec:
		return true
	default:
		s.metrics.countDropped()
		s.logger.Debug("telemetry queue full, dropping usage record", "key_id", rec.KeyID)
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for rec := range s.queue {
		safego.Run(s.logger, "record usage", func() {
			s.write(rec)
		})
	}
}

func (s *Sink) write(rec *model.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.writer.RecordUsage(ctx, rec); err != nil {
		s.logger.Warn("failed to record usage", "key_id", rec.KeyID, "endpoint", rec.Endpoint, "error", err)
	}
}
