package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nyatishield/nyati/internal/model"
)

// ---------------------------------------------------------------------------
// Rate limit counters
// ---------------------------------------------------------------------------

// IncrementCounter atomically adds one to the (scope, subject, bucket)
// counter unless it has already reached limit. It returns the counter value
// after the call and whether the increment happened. The check and the
// increment are a single upsert, so concurrent callers never exceed limit.
func (s *Store) IncrementCounter(ctx context.Context, scope, subject, bucket string, limit int, expiresAt time.Time) (int, bool, error) {
	const q = `INSERT INTO rate_counters (scope, subject, bucket, count, expires_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (scope, subject, bucket) DO UPDATE SET count = rate_counters.count + 1
		WHERE rate_counters.count < ?
		RETURNING count`

	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(q), scope, subject, bucket, expiresAt.UTC(), limit)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row exists and the WHERE guard rejected the update.
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment counter: %w", err)
	}
	return count, true, nil
}

// GetCounter returns the current value of a counter, zero if absent.
func (s *Store) GetCounter(ctx context.Context, scope, subject, bucket string) (int, error) {
	var count int
	q := s.db.Rebind("SELECT count FROM rate_counters WHERE scope = ? AND subject = ? AND bucket = ?")
	if err := s.db.GetContext(ctx, &count, q, scope, subject, bucket); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// PruneCounters deletes counters whose bucket expired before cutoff.
func (s *Store) PruneCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM rate_counters WHERE expires_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ---------------------------------------------------------------------------
// Usage records
// ---------------------------------------------------------------------------

// RecordUsage appends a usage record. CreatedAt defaults to now.
func (s *Store) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO api_usage
		(id, key_id, endpoint, status, validation_ms, forward_ms, created_at)
		VALUES
		(:id, :key_id, :endpoint, :status, :validation_ms, :forward_ms, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ListUsage returns the most recent usage records for a key.
func (s *Store) ListUsage(ctx context.Context, keyID string, limit int) ([]model.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	recs := []model.UsageRecord{}
	q := s.db.Rebind(`SELECT id, key_id, endpoint, status, validation_ms, forward_ms, created_at
		FROM api_usage WHERE key_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &recs, q, keyID, limit); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return recs, nil
}
