package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nyatishield/nyati/internal/config"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/service"
	"github.com/nyatishield/nyati/internal/shaper"
)

func newTestServer(t *testing.T) (*MCPServer, *config.Store) {
	t.Helper()
	store, err := config.NewStore(config.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.New(store, ratelimit.Config{PerMinute: 5, PerDay: 100, Timeout: time.Second}, logger)
	deps := Deps{
		Keys:    service.NewKeyService(store),
		Usage:   store,
		Limiter: limiter,
		Pools: shaper.Pools{
			shaper.OpenAI: shaper.NewCredentialPool("sk-a,sk-b", shaper.OpenAI.KeyPrefix()),
		},
	}
	return NewMCPServer(deps, "test", logger), store
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v interface{}) {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
		{"value equals min", 1, 1, 10, 1},
		{"value equals max", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	if ro := readOnlyAnnotation(); ro.ReadOnlyHint == nil || !*ro.ReadOnlyHint {
		t.Error("read-only annotation should set ReadOnlyHint")
	}
	d := destructiveAnnotation()
	if d.DestructiveHint == nil || !*d.DestructiveHint {
		t.Error("destructive annotation should set DestructiveHint")
	}
	if d.ReadOnlyHint == nil || *d.ReadOnlyHint {
		t.Error("destructive tools are not read-only")
	}
}

func TestCreateAndListKeys(t *testing.T) {
	s, _ := newTestServer(t)

	var created struct {
		Key    keyView `json:"key"`
		APIKey string  `json:"api_key"`
	}
	decodeResult(t, call(t, s.handleCreateKey, map[string]any{
		"owner_id": "acct_1",
		"label":    "ci",
	}), &created)

	if !strings.HasPrefix(created.APIKey, "ry_") {
		t.Errorf("api_key = %q, want ry_ prefix", created.APIKey)
	}
	if created.Key.Tier != model.TierFree || !created.Key.IsActive {
		t.Errorf("unexpected key: %+v", created.Key)
	}

	call(t, s.handleCreateKey, map[string]any{"owner_id": "acct_2"})

	var listed struct {
		Keys  []keyView `json:"keys"`
		Count int       `json:"count"`
	}
	decodeResult(t, call(t, s.handleListKeys, map[string]any{"owner_id": "acct_1"}), &listed)
	if listed.Count != 1 || listed.Keys[0].ID != created.Key.ID {
		t.Errorf("owner filter: got %+v", listed)
	}

	decodeResult(t, call(t, s.handleListKeys, map[string]any{}), &listed)
	if listed.Count != 2 {
		t.Errorf("count = %d, want 2", listed.Count)
	}

	if text := resultText(t, call(t, s.handleListKeys, nil)); strings.Contains(text, "secret_hash") || strings.Contains(text, "salt") {
		t.Error("key listing leaked secret material")
	}
}

func TestCreateKeyValidation(t *testing.T) {
	s, _ := newTestServer(t)

	res := call(t, s.handleCreateKey, map[string]any{})
	if !res.IsError || !strings.Contains(resultText(t, res), "owner_id") {
		t.Errorf("missing owner: %s", resultText(t, res))
	}

	res = call(t, s.handleCreateKey, map[string]any{"owner_id": "a", "target_url": "ftp://x"})
	if !res.IsError {
		t.Error("expected an error for a non-http target")
	}

	res = call(t, s.handleCreateKey, map[string]any{"owner_id": "a", "tier": "gold"})
	if !res.IsError {
		t.Error("expected an error for an unknown tier")
	}
}

func TestUpdateAndRevokeKey(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	key, _, err := service.NewKeyService(store).Create(ctx, service.CreateKeyInput{OwnerID: "acct_1"})
	if err != nil {
		t.Fatal(err)
	}

	res := call(t, s.handleUpdateKey, map[string]any{"key_id": key.ID})
	if !res.IsError {
		t.Error("an update with no fields should be rejected")
	}

	var updated keyView
	decodeResult(t, call(t, s.handleUpdateKey, map[string]any{
		"key_id":     key.ID,
		"label":      "renamed",
		"target_url": "https://api.example.com",
	}), &updated)
	if updated.Label != "renamed" || updated.TargetURL != "https://api.example.com" {
		t.Errorf("update not applied: %+v", updated)
	}

	call(t, s.handleRevokeKey, map[string]any{"key_id": key.ID})
	got, err := store.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("key should be inactive after revoke")
	}

	decodeResult(t, call(t, s.handleUpdateKey, map[string]any{"key_id": key.ID, "is_active": true}), &updated)
	if !updated.IsActive {
		t.Error("is_active=true should reinstate the key")
	}
}

func TestUnknownKey(t *testing.T) {
	s, _ := newTestServer(t)

	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"revoke": s.handleRevokeKey,
		"usage":  s.handleKeyUsage,
		"quota":  s.handleMinuteQuota,
	} {
		res := call(t, h, map[string]any{"key_id": "nope"})
		if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
			t.Errorf("%s: got %q", name, resultText(t, res))
		}
	}
}

func TestKeyUsage(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	key, _, err := service.NewKeyService(store).Create(ctx, service.CreateKeyInput{OwnerID: "acct_1"})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now().UTC().Add(-time.Minute)
	for i, ep := range []string{"/api/v1/proxy", "/api/v1/ai", "/api/v1/search"} {
		rec := &model.UsageRecord{
			ID:        "u" + string(rune('0'+i)),
			KeyID:     key.ID,
			Endpoint:  ep,
			Status:    200,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordUsage(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	var out struct {
		Records []model.UsageRecord `json:"records"`
		Count   int                 `json:"count"`
	}
	decodeResult(t, call(t, s.handleKeyUsage, map[string]any{"key_id": key.ID, "limit": 2}), &out)
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}
	if out.Records[0].Endpoint != "/api/v1/search" {
		t.Errorf("newest first: got %s", out.Records[0].Endpoint)
	}
}

func TestMinuteQuota(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	key, _, err := service.NewKeyService(store).Create(ctx, service.CreateKeyInput{OwnerID: "acct_1"})
	if err != nil {
		t.Fatal(err)
	}
	s.deps.Limiter.CheckMinute(ctx, key.ID)
	s.deps.Limiter.CheckMinute(ctx, key.ID)

	var out struct {
		Limit     int `json:"limit"`
		Remaining int `json:"remaining"`
	}
	decodeResult(t, call(t, s.handleMinuteQuota, map[string]any{"key_id": key.ID}), &out)
	if out.Limit != 5 {
		t.Errorf("limit = %d, want 5", out.Limit)
	}
	// A minute boundary between the checks and the peek resets the window.
	if out.Remaining != 3 && out.Remaining != 5 {
		t.Errorf("remaining = %d, want 3", out.Remaining)
	}

	// Peeking twice must not consume quota.
	var again struct {
		Remaining int `json:"remaining"`
	}
	decodeResult(t, call(t, s.handleMinuteQuota, map[string]any{"key_id": key.ID}), &again)
	if again.Remaining < out.Remaining {
		t.Errorf("peek consumed quota: %d then %d", out.Remaining, again.Remaining)
	}
}

func TestProvidersResource(t *testing.T) {
	s, _ := newTestServer(t)

	contents, err := s.handleProvidersResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text

	var items []struct {
		Name        string `json:"name"`
		Credentials int    `json:"credentials"`
	}
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[it.Name] = it.Credentials
	}
	if counts["openai"] != 2 || counts["anthropic"] != 0 {
		t.Errorf("credential counts = %v", counts)
	}
	if len(items) != len(shaper.Providers()) {
		t.Errorf("got %d providers, want %d", len(items), len(shaper.Providers()))
	}
}

func TestOwnerKeysResource(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	if _, _, err := service.NewKeyService(store).Create(ctx, service.CreateKeyInput{OwnerID: "acct_9"}); err != nil {
		t.Fatal(err)
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "nyati://keys/acct_9"
	contents, err := s.handleOwnerKeysResource(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	var keys []keyView
	if err := json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].OwnerID != "acct_9" {
		t.Errorf("keys = %+v", keys)
	}

	req.Params.URI = "nyati://keys/"
	if _, err := s.handleOwnerKeysResource(ctx, req); err == nil {
		t.Error("expected an error for a URI without an owner")
	}
}
