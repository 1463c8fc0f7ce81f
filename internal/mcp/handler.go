package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nyatishield/nyati/internal/model"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalString returns a string argument, or nil when it was not passed.
func optionalString(request mcp.CallToolRequest, key string) *string {
	args := request.GetArguments()
	if v, ok := args[key].(string); ok {
		return &v
	}
	return nil
}

// optionalBool returns a boolean argument, or nil when it was not passed.
func optionalBool(request mcp.CallToolRequest, key string) *bool {
	args := request.GetArguments()
	if v, ok := args[key].(bool); ok {
		return &v
	}
	return nil
}

// optionalInt extracts an optional integer argument from the tool request.
func optionalInt(request mcp.CallToolRequest, key string, defaultVal int) int {
	return request.GetInt(key, defaultVal)
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the LLM so it can self-correct; they do NOT terminate the MCP
// session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// keyView is the agent-facing shape of a key. Salts and digests never leave
// the store.
type keyView struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Hint       string     `json:"hint"`
	Label      string     `json:"label,omitempty"`
	Tier       model.Tier `json:"tier"`
	IsActive   bool       `json:"is_active"`
	TargetURL  string     `json:"target_url,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func toKeyView(k *model.APIKey) keyView {
	return keyView{
		ID:         k.ID,
		OwnerID:    k.OwnerID,
		Hint:       k.Hint,
		Label:      k.Label,
		Tier:       k.Tier,
		IsActive:   k.IsActive,
		TargetURL:  k.TargetURL,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
