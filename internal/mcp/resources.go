package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nyatishield/nyati/internal/shaper"
)

const (
	providersURI  = "nyati://providers"
	ownerKeysBase = "nyati://keys/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// nyati://providers: upstream AI providers and credential counts
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			providersURI,
			"Upstream Providers",
			mcp.WithResourceDescription(
				"AI providers reachable through /api/v1/proxy/{provider}/..., "+
					"with their base URL and how many credentials are pooled for each.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleProvidersResource,
	)

	// -------------------------------------------------------------------
	// nyati://keys/{owner_id}: keys held by one owner (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			ownerKeysBase+"{owner_id}",
			"Owner Keys",
			mcp.WithTemplateDescription(
				"All API keys belonging to an owner, without secrets.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleOwnerKeysResource,
	)
}

// handleProvidersResource lists every provider with its pooled credentials.
func (s *MCPServer) handleProvidersResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	type providerInfo struct {
		Name        string `json:"name"`
		BaseURL     string `json:"base_url"`
		Credentials int    `json:"credentials"`
	}

	items := make([]providerInfo, 0, len(shaper.Providers()))
	for _, p := range shaper.Providers() {
		items = append(items, providerInfo{
			Name:        p.String(),
			BaseURL:     p.BaseURL(),
			Credentials: s.deps.Pools[p].Len(),
		})
	}

	return jsonContents(providersURI, items)
}

// handleOwnerKeysResource returns the keys of the owner named in the URI.
func (s *MCPServer) handleOwnerKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	owner := strings.TrimPrefix(uri, ownerKeysBase)
	if owner == "" || owner == uri {
		return nil, fmt.Errorf("invalid keys URI %q: expected %s{owner_id}", uri, ownerKeysBase)
	}

	keys, err := s.deps.Keys.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %q: %w", owner, err)
	}

	views := make([]keyView, 0, len(keys))
	for i := range keys {
		views = append(views, toKeyView(&keys[i]))
	}
	return jsonContents(uri, views)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
