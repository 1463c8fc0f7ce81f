package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/nyatishield/nyati/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Options{}) // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(id, owner, hint string) *model.APIKey {
	return &model.APIKey{
		ID:         id,
		OwnerID:    owner,
		Hint:       hint,
		Salt:       "00112233445566778899aabbccddeeff",
		SecretHash: strings.Repeat("a", 64),
		IsActive:   true,
		Tier:       model.TierFree,
		Label:      "test",
	}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := testKey("key-1", "owner-1", "ry_a...WXYZ")
	key.TargetURL = "https://example.com/api"
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := s.GetAPIKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.OwnerID != "owner-1" || got.TargetURL != "https://example.com/api" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.IsActive {
		t.Error("expected key to be active")
	}
	if got.SecretHash != key.SecretHash || got.Salt != key.Salt {
		t.Error("expected salt and hash to round-trip")
	}

	if err := s.UpdateAPIKeyTarget(ctx, "key-1", ""); err != nil {
		t.Fatalf("UpdateAPIKeyTarget: %v", err)
	}
	if err := s.UpdateAPIKeyLabel(ctx, "key-1", "renamed"); err != nil {
		t.Fatalf("UpdateAPIKeyLabel: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, "key-1")
	if got.TargetURL != "" || got.Label != "renamed" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.TouchAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, "key-1")
	if got.LastUsedAt == nil {
		t.Error("expected LastUsedAt to be set")
	}

	if err := s.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetAPIKey(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFindActiveKeysByHint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []*model.APIKey{
		testKey("a", "o1", "ry_a...AAAA"),
		testKey("b", "o2", "ry_a...AAAA"),
		testKey("c", "o1", "ry_c...CCCC"),
	} {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	got, err := s.FindActiveKeysByHint(ctx, "ry_a...AAAA")
	if err != nil {
		t.Fatalf("FindActiveKeysByHint: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates sharing the hint, got %d", len(got))
	}

	if err := s.SetAPIKeyActive(ctx, "a", false); err != nil {
		t.Fatalf("SetAPIKeyActive: %v", err)
	}
	got, _ = s.FindActiveKeysByHint(ctx, "ry_a...AAAA")
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("expected only key b after revoking a, got %+v", got)
	}

	exists, err := s.HintExists(ctx, "ry_a...AAAA")
	if err != nil || !exists {
		t.Errorf("HintExists = %v, %v; want true", exists, err)
	}
	exists, _ = s.HintExists(ctx, "none...none")
	if exists {
		t.Error("expected HintExists to be false for an unused hint")
	}

	none, err := s.FindActiveKeysByHint(ctx, "zzzz...zzzz")
	if err != nil {
		t.Fatalf("FindActiveKeysByHint: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no candidates, got %d", len(none))
	}
}

func TestListAPIKeysByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateAPIKey(ctx, testKey("a", "o1", "h1"))
	s.CreateAPIKey(ctx, testKey("b", "o1", "h2"))
	s.CreateAPIKey(ctx, testKey("c", "o2", "h3"))

	all, err := s.ListAPIKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 keys, got %d", len(all))
	}
	mine, _ := s.ListAPIKeys(ctx, "o1")
	if len(mine) != 2 {
		t.Errorf("expected 2 keys for o1, got %d", len(mine))
	}
}

func TestSetAPIKeyActiveNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetAPIKeyActive(context.Background(), "missing", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

func TestIncrementCounterStopsAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	for i := 1; i <= 5; i++ {
		n, ok, err := s.IncrementCounter(ctx, "minute", "key-1", "2026-01-01T00:00", 5, exp)
		if err != nil {
			t.Fatalf("IncrementCounter #%d: %v", i, err)
		}
		if !ok || n != i {
			t.Fatalf("increment #%d: got (%d, %v), want (%d, true)", i, n, ok, i)
		}
	}

	n, ok, err := s.IncrementCounter(ctx, "minute", "key-1", "2026-01-01T00:00", 5, exp)
	if err != nil {
		t.Fatalf("IncrementCounter #6: %v", err)
	}
	if ok {
		t.Error("expected sixth increment to be refused")
	}
	if n != 5 {
		t.Errorf("expected count to stay at 5, got %d", n)
	}

	got, err := s.GetCounter(ctx, "minute", "key-1", "2026-01-01T00:00")
	if err != nil || got != 5 {
		t.Errorf("GetCounter = %d, %v; want 5", got, err)
	}

	// A new bucket starts from zero.
	n, ok, _ = s.IncrementCounter(ctx, "minute", "key-1", "2026-01-01T00:01", 5, exp)
	if !ok || n != 1 {
		t.Errorf("next bucket: got (%d, %v), want (1, true)", n, ok)
	}
}

func TestIncrementCounterConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.IncrementCounter(ctx, "day", "owner", "2026-01-01", 7, exp)
			if err != nil {
				t.Errorf("IncrementCounter: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 7 {
		t.Errorf("expected exactly 7 increments to succeed, got %d", allowed)
	}
}

func TestGetCounterMissing(t *testing.T) {
	s := newTestStore(t)
	n, err := s.GetCounter(context.Background(), "minute", "nobody", "b")
	if err != nil || n != 0 {
		t.Errorf("GetCounter = %d, %v; want 0, nil", n, err)
	}
}

func TestPruneCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	s.IncrementCounter(ctx, "minute", "k", "old", 5, past)
	s.IncrementCounter(ctx, "minute", "k", "new", 5, future)

	n, err := s.PruneCounters(ctx, time.Now())
	if err != nil {
		t.Fatalf("PruneCounters: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}
	if got, _ := s.GetCounter(ctx, "minute", "k", "new"); got != 1 {
		t.Errorf("expected live counter to survive, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Usage, admins, settings
// ---------------------------------------------------------------------------

func TestRecordAndListUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ep := range []string{"proxy", "ai"} {
		rec := &model.UsageRecord{
			ID:           "u" + ep,
			KeyID:        "key-1",
			Endpoint:     ep,
			Status:       200,
			ValidationMs: 1.5,
			ForwardMs:    float64(10 * (i + 1)),
		}
		if err := s.RecordUsage(ctx, rec); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	recs, err := s.ListUsage(ctx, "key-1", 10)
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ValidationMs != 1.5 {
		t.Errorf("ValidationMs = %v, want 1.5", recs[0].ValidationMs)
	}
}

func TestAdminAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyAdmin(ctx)
	if err != nil || has {
		t.Fatalf("HasAnyAdmin = %v, %v; want false", has, err)
	}

	admin := &model.Admin{Email: "ops@example.com", PasswordHash: "x", Name: "Ops", IsActive: true}
	if err := s.CreateAdmin(ctx, admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if admin.ID == 0 {
		t.Fatal("expected non-zero ID after create")
	}

	got, err := s.GetAdminByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("GetAdminByEmail: %v", err)
	}
	if got.ID != admin.ID || got.Name != "Ops" {
		t.Errorf("unexpected admin: %+v", got)
	}
	if err := s.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		t.Fatalf("UpdateAdminLastLogin: %v", err)
	}
	if _, err := s.GetAdminByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	admins, _ := s.ListAdmins(ctx)
	if len(admins) != 1 {
		t.Errorf("expected 1 admin, got %d", len(admins))
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "instance_id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	s.SetSetting(ctx, "instance_id", "one")
	s.SetSetting(ctx, "instance_id", "two")
	v, err := s.GetSetting(ctx, "instance_id")
	if err != nil || v != "two" {
		t.Errorf("GetSetting = %q, %v; want two", v, err)
	}
}

func TestNewStoreFileBacked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewStore(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, "nyati.db")); err != nil {
		t.Errorf("expected database file: %v", err)
	}
	if s.Dialect() != DialectSQLite {
		t.Errorf("Dialect = %q, want sqlite", s.Dialect())
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewStore(Options{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := NewStore(Options{Driver: "postgres"}); err == nil {
		t.Error("expected error for postgres without DSN")
	}
}

// ---------------------------------------------------------------------------
// Settings loading
// ---------------------------------------------------------------------------

func TestLoadDefaults(t *testing.T) {
	s, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Limits.PerMinute != 5 || s.Limits.PerDay != 100 {
		t.Errorf("unexpected limits: %+v", s.Limits)
	}
	if s.Cache.TTL != 30*time.Second {
		t.Errorf("cache TTL = %v, want 30s", s.Cache.TTL)
	}
	if s.Shaper.MaxTokens != 500 {
		t.Errorf("max tokens = %d, want 500", s.Shaper.MaxTokens)
	}
	if len(s.Redact.Words) != 6 {
		t.Errorf("expected 6 default redaction words, got %v", s.Redact.Words)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NYATI_LIMITS_PER_MINUTE", "9")
	t.Setenv("GROQ_API_KEYS", "gsk_a,gsk_b")

	v := viper.New()
	if err := BindEnv(v); err != nil {
		t.Fatalf("BindEnv: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Limits.PerMinute != 9 {
		t.Errorf("per_minute = %d, want 9", s.Limits.PerMinute)
	}
	if s.Upstream.GroqKeys != "gsk_a,gsk_b" {
		t.Errorf("groq keys = %q", s.Upstream.GroqKeys)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	v := viper.New()
	v.Set("limits.backend", "memcache")
	if _, err := Load(v); err == nil {
		t.Error("expected validation error for unknown backend")
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nyati.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Cache.TTL != 30*time.Second {
		t.Errorf("cache TTL after round trip = %v", s.Cache.TTL)
	}
	if s.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout after round trip = %v", s.Server.ShutdownTimeout)
	}
}
