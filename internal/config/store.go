package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nyatishield/nyati/internal/model"
)

// Dialect identifies the SQL flavour behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options selects and locates the backing database. A zero Options opens an
// in-memory SQLite database.
type Options struct {
	Driver  string // "sqlite" (default) or "postgres"
	DSN     string // required for postgres; overrides DataDir for sqlite
	DataDir string // sqlite file location; empty means in-memory
}

// Store persists API keys, rate-limit counters, usage records, admin
// accounts and settings. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewStore opens the database described by opts and applies migrations.
func NewStore(opts Options) (*Store, error) {
	var (
		driverName string
		dsn        string
		dialect    Dialect
	)

	switch opts.Driver {
	case "", "sqlite":
		driverName, dialect = "sqlite", DialectSQLite
		switch {
		case opts.DSN != "":
			dsn = opts.DSN
		case opts.DataDir == "":
			dsn = ":memory:?_journal_mode=WAL"
		default:
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "nyati.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres", "pgx":
		if opts.DSN == "" {
			return nil, errors.New("postgres store requires a DSN")
		}
		driverName, dialect, dsn = "pgx", DialectPostgres, opts.DSN
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store database: %w", err)
	}
	return s, nil
}

// NewStoreFromDB wraps an already-open database without running migrations.
func NewStoreFromDB(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the connection pool for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Dialect reports which SQL flavour the store speaks.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, owner_id, hint, salt, secret_hash, is_active, target_url, tier, label, created_at, last_used_at`

// CreateAPIKey inserts a key record. ID, hint, salt and secret hash must
// already be set; CreatedAt is populated on insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys
		(id, owner_id, hint, salt, secret_hash, is_active, target_url, tier, label, created_at)
		VALUES
		(:id, :owner_id, :hint, :salt, :secret_hash, :is_active, :target_url, :tier, :label, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key record by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// FindActiveKeysByHint returns every active key sharing the given hint.
// Hints are not unique, so callers must verify the full hash of each.
func (s *Store) FindActiveKeysByHint(ctx context.Context, hint string) ([]model.APIKey, error) {
	var keys []model.APIKey
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE hint = ? AND is_active = ?")
	if err := s.db.SelectContext(ctx, &keys, q, hint, true); err != nil {
		return nil, fmt.Errorf("find api keys by hint: %w", err)
	}
	return keys, nil
}

// HintExists reports whether any key, active or not, already uses hint.
func (s *Store) HintExists(ctx context.Context, hint string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT COUNT(*) FROM api_keys WHERE hint = ?"), hint); err != nil {
		return false, fmt.Errorf("count api keys by hint: %w", err)
	}
	return count > 0, nil
}

// ListAPIKeys returns all keys, newest first. An empty ownerID lists keys of
// every owner.
func (s *Store) ListAPIKeys(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	keys := []model.APIKey{}
	var err error
	if ownerID == "" {
		err = s.db.SelectContext(ctx, &keys, "SELECT "+apiKeyColumns+" FROM api_keys ORDER BY created_at DESC")
	} else {
		q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC")
		err = s.db.SelectContext(ctx, &keys, q, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// SetAPIKeyActive activates or revokes a key.
func (s *Store) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, "set api key active",
		"UPDATE api_keys SET is_active = ? WHERE id = ?", active, id)
}

// UpdateAPIKeyTarget replaces the forwarding target of a key. An empty
// target switches the key to ping mode.
func (s *Store) UpdateAPIKeyTarget(ctx context.Context, id, targetURL string) error {
	return s.execOne(ctx, "update api key target",
		"UPDATE api_keys SET target_url = ? WHERE id = ?", targetURL, id)
}

// UpdateAPIKeyLabel replaces the human-readable label of a key.
func (s *Store) UpdateAPIKeyLabel(ctx context.Context, id, label string) error {
	return s.execOne(ctx, "update api key label",
		"UPDATE api_keys SET label = ? WHERE id = ?", label, id)
}

// DeleteAPIKey hard-deletes a key. Usage and counter rows are left intact.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete api key", "DELETE FROM api_keys WHERE id = ?", id)
}

// TouchAPIKey sets last_used_at to now.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	return s.execOne(ctx, "touch api key",
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
}

// ---------------------------------------------------------------------------
// Admin accounts
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :created_at, :updated_at)
		RETURNING id`

	rows, err := s.db.NamedQueryContext(ctx, q, admin)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("insert admin: %w", err)
		}
		return errors.New("insert admin: no id returned")
	}
	if err := rows.Scan(&admin.ID); err != nil {
		return fmt.Errorf("get admin id: %w", err)
	}
	return nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	q := s.db.Rebind("SELECT * FROM admins WHERE email = ?")
	if err := s.db.GetContext(ctx, &admin, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	admins := []model.Admin{}
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	return s.execOne(ctx, "update admin last login",
		"UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?", now, now, id)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.GetContext(ctx, &value, s.db.Rebind("SELECT value FROM settings WHERE key = ?"), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// execOne runs an UPDATE or DELETE expected to touch exactly one row and maps
// zero affected rows to ErrNotFound.
func (s *Store) execOne(ctx context.Context, op, q string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
