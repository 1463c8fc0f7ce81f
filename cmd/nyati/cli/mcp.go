package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	nmcp "github.com/nyatishield/nyati/internal/mcp"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for key administration",
		Long: `Start a Model Context Protocol (MCP) server that exposes API key
administration as tools for AI agents. Supports stdio (default) and HTTP
transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with desktop MCP clients.

In HTTP mode, the server listens on --addr using streamable HTTP. The
endpoint has no authentication of its own, so keep it on loopback.`,
		Example: `  nyati mcp                                     # stdio mode
  nyati mcp --transport http --addr 127.0.0.1:3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, addr)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3001", "Listen address (only used with --transport http)")

	return cmd
}

func runMCP(transport, addr string) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	s, store, err := loadAndOpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Logs go to stderr; stdout carries the protocol in stdio mode.
	logger := newLogger(s, false)

	var counters ratelimit.Counters = store
	if s.Limits.Backend == "redis" {
		rc, err := ratelimit.NewRedisCounters(s.Redis.URL, logger)
		if err != nil {
			return fmt.Errorf("init redis counters: %w", err)
		}
		defer rc.Close()
		counters = rc
	}
	limiter := ratelimit.New(counters, ratelimit.Config{
		PerMinute: s.Limits.PerMinute,
		PerDay:    s.Limits.PerDay,
		Timeout:   s.Limits.StoreTimeout,
		Policy:    ratelimit.DefaultPolicy,
	}, logger)

	mcpSrv := nmcp.NewMCPServer(nmcp.Deps{
		Keys:    service.NewKeyService(store),
		Usage:   store,
		Limiter: limiter,
		Pools:   newPools(s.Upstream),
	}, versionString(), logger)

	if transport == "http" {
		return mcpSrv.ServeStreamableHTTP(addr)
	}
	return mcpSrv.ServeStdio()
}
