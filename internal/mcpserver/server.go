// Package mcpserver builds the mcp-go server shared by every transport.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// New creates the MCP server that introduces itself as name/version. It
// keeps no per-connection state; the transports bind the caller identity
// into the context of every message.
func New(name, version string, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(_ context.Context, _ any, req *mcp.InitializeRequest, res *mcp.InitializeResult) {
		logger.Info("client initialized",
			"client", req.Params.ClientInfo.Name,
			"client_version", req.Params.ClientInfo.Version,
			"protocol", res.ProtocolVersion,
		)
	})
	hooks.AddOnError(func(_ context.Context, id any, method mcp.MCPMethod, _ any, err error) {
		logger.Warn("request failed", "id", id, "method", method, "error", err)
	})

	return server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)
}
