package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nyatishield/nyati/internal/config"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/service"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 1000
)

// registerTools registers all Nyati MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Inspection tools -----

	srv.AddTool(
		mcp.NewTool("nyati_list_keys",
			mcp.WithDescription(
				"List API keys issued by this Nyati instance. Returns each key's id, "+
					"owner, hint, tier, target URL and active status. Secrets are never "+
					"returned. Use this first to find the key_id other tools take.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("owner_id",
				mcp.Description("Only list keys belonging to this owner"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("nyati_key_usage",
			mcp.WithDescription(
				"Show the most recent proxied requests made with a key, newest first, "+
					"including endpoint, upstream status and validation/forward latency in ms.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of records to return (default 50, max 1000)"),
			),
		),
		s.handleKeyUsage,
	)

	srv.AddTool(
		mcp.NewTool("nyati_minute_quota",
			mcp.WithDescription(
				"Report how many requests a key may still make in the current minute "+
					"window and when the window resets. Does not consume quota.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key"),
			),
		),
		s.handleMinuteQuota,
	)

	// ----- Mutation tools -----

	srv.AddTool(
		mcp.NewTool("nyati_create_key",
			mcp.WithDescription(
				"Issue a new API key. The plaintext key appears only in this response; "+
					"store it immediately, it cannot be recovered. Leave target_url empty "+
					"for a ping-mode key, or set it to an absolute http(s) URL to forward "+
					"requests there.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("owner_id",
				mcp.Required(),
				mcp.Description("Account that owns the key; the daily quota is shared per owner"),
			),
			mcp.WithString("label",
				mcp.Description("Human-readable label"),
			),
			mcp.WithString("target_url",
				mcp.Description("Upstream base URL for non-provider requests"),
			),
			mcp.WithString("tier",
				mcp.Description("Key tier"),
				mcp.Enum(string(model.TierFree), string(model.TierPaid), string(model.TierTest)),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("nyati_update_key",
			mcp.WithDescription(
				"Change a key's label, target URL or active flag. Only the fields you "+
					"pass are changed. Cached validations keep the old state for up to "+
					"30 seconds.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key to update"),
			),
			mcp.WithString("label",
				mcp.Description("New label"),
			),
			mcp.WithString("target_url",
				mcp.Description("New upstream base URL; pass an empty string for ping mode"),
			),
			mcp.WithBoolean("is_active",
				mcp.Description("Set false to suspend the key, true to reinstate it"),
			),
		),
		s.handleUpdateKey,
	)

	srv.AddTool(
		mcp.NewTool("nyati_revoke_key",
			mcp.WithDescription(
				"Revoke a key so it can no longer authenticate. The record and its "+
					"usage history are kept. Cached validations may succeed for up to "+
					"30 seconds afterwards.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("ID of the key to revoke"),
			),
		),
		s.handleRevokeKey,
	)
}

// --------------------------------------------------------------------------
// Tool handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := ""
	if v := optionalString(request, "owner_id"); v != nil {
		owner = *v
	}

	keys, err := s.deps.Keys.List(ctx, owner)
	if err != nil {
		return toolError("failed to list keys: %v", err)
	}

	views := make([]keyView, 0, len(keys))
	for i := range keys {
		views = append(views, toKeyView(&keys[i]))
	}
	return successJSON(map[string]interface{}{
		"keys":  views,
		"count": len(views),
	})
}

func (s *MCPServer) handleKeyUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	if s.deps.Usage == nil {
		return toolError("usage history is not available on this instance")
	}
	if _, err := s.deps.Keys.Get(ctx, id); err != nil {
		return keyLookupError(id, err)
	}

	limit := clamp(optionalInt(request, "limit", defaultUsageLimit), 1, maxUsageLimit)
	records, err := s.deps.Usage.ListUsage(ctx, id, limit)
	if err != nil {
		return toolError("failed to read usage for %q: %v", id, err)
	}
	if records == nil {
		records = []model.UsageRecord{}
	}
	return successJSON(map[string]interface{}{
		"key_id":  id,
		"records": records,
		"count":   len(records),
	})
}

func (s *MCPServer) handleMinuteQuota(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	if s.deps.Limiter == nil {
		return toolError("rate limiting is not configured on this instance")
	}
	if _, err := s.deps.Keys.Get(ctx, id); err != nil {
		return keyLookupError(id, err)
	}

	res := s.deps.Limiter.PeekMinute(ctx, id)
	out := map[string]interface{}{
		"key_id":     id,
		"limit":      res.Limit,
		"remaining":  res.Remaining,
		"reset_time": res.ResetAt.Format(time.RFC3339),
	}
	if res.Remaining < 0 {
		out["unlimited"] = true
	}
	return successJSON(out)
}

func (s *MCPServer) handleCreateKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := requireString(request, "owner_id")
	if err != nil {
		return toolError("%v", err)
	}

	in := service.CreateKeyInput{OwnerID: owner}
	if v := optionalString(request, "label"); v != nil {
		in.Label = *v
	}
	if v := optionalString(request, "target_url"); v != nil {
		in.TargetURL = *v
	}
	if v := optionalString(request, "tier"); v != nil {
		in.Tier = model.Tier(*v)
	}

	key, plaintext, err := s.deps.Keys.Create(ctx, in)
	if err != nil {
		return toolError("failed to create key: %v", err)
	}
	s.logger.Info("api key created via MCP", "key_id", key.ID, "owner_id", key.OwnerID, "hint", key.Hint)

	return successJSON(map[string]interface{}{
		"key":     toKeyView(key),
		"api_key": plaintext,
	})
}

func (s *MCPServer) handleUpdateKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	u := service.KeyUpdate{
		Label:     optionalString(request, "label"),
		TargetURL: optionalString(request, "target_url"),
		IsActive:  optionalBool(request, "is_active"),
	}
	if u.Label == nil && u.TargetURL == nil && u.IsActive == nil {
		return toolError("nothing to update: pass label, target_url or is_active")
	}

	key, err := s.deps.Keys.Update(ctx, id, u)
	if err != nil {
		return keyLookupError(id, err)
	}
	s.logger.Info("api key updated via MCP", "key_id", key.ID)
	return successJSON(toKeyView(key))
}

func (s *MCPServer) handleRevokeKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	if err := s.deps.Keys.Revoke(ctx, id); err != nil {
		return keyLookupError(id, err)
	}
	s.logger.Info("api key revoked via MCP", "key_id", id)
	return successJSON(map[string]interface{}{
		"key_id":  id,
		"revoked": true,
	})
}

// keyLookupError turns a store error about key id into a tool error.
func keyLookupError(id string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, config.ErrNotFound) {
		return toolError("key %q not found; use nyati_list_keys to see valid ids", id)
	}
	return toolError("key %q: %v", id, err)
}
