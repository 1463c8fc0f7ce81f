// Package mcp exposes Nyati's key administration as Model Context Protocol
// tools and resources, so an operator's AI agent can issue, inspect and
// revoke API keys without the HTTP admin API.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/service"
	"github.com/nyatishield/nyati/internal/shaper"
)

// UsageLister reads recent usage records.
type UsageLister interface {
	ListUsage(ctx context.Context, keyID string, limit int) ([]model.UsageRecord, error)
}

// Deps are the collaborators the tools act on. Limiter and Pools may be nil.
type Deps struct {
	Keys    *service.KeyService
	Usage   UsageLister
	Limiter *ratelimit.Limiter
	Pools   shaper.Pools
}

// MCPServer wraps the mcp-go server with Nyati's tool and resource
// registrations.
type MCPServer struct {
	deps   Deps
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer with every tool and resource registered.
// The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(deps Deps, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		deps:   deps,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Nyati Key Administration",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeStreamableHTTP serves MCP in Streamable HTTP mode on addr. The endpoint is
// unauthenticated; bind it to loopback.
func (s *MCPServer) ServeStreamableHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func destructiveAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
