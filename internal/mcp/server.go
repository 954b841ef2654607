package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/usage"
)

// Deps are the read-only views the MCP tools expose.
type Deps struct {
	Connectors *connector.Service
	Usage      *usage.Aggregator
	Health     *health.Checker
	// BaseURL is the public gateway address advertised in OpenAPI documents.
	BaseURL string
}

// MCPServer wraps the mcp-go server with Sluice tool and resource
// registrations. Every tool is read-only and confined to one owner scope,
// so agents can discover connectors, their contracts, and their traffic
// without being able to change anything.
type MCPServer struct {
	deps   Deps
	scope  model.Scope
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer acting for scope. The returned server is
// ready to serve over stdio or HTTP.
func NewMCPServer(deps Deps, scope model.Scope, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		deps:   deps,
		scope:  scope,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Sluice Connector Gateway",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance. Useful for
// advanced configuration or testing.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode", "scope", s.scope.Key())
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001"). This is suitable for remote MCP clients.
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr, "scope", s.scope.Key())
	return httpServer.Start(addr)
}

// readOnlyAnnotation marks a tool as free of side effects.
func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:   boolPtr(true),
		IdempotentHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
