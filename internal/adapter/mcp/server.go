// Package mcp exposes execution operations as Model Context Protocol tools
// so agents can start, inspect and cancel document executions.
package mcp

import (
	"context"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/service"
)

// Executions is the slice of the orchestrator the tools call.
type Executions interface {
	Start(ctx context.Context, req service.StartRequest) (*execution.View, error)
	Status(ctx context.Context, id string) (*execution.View, error)
	Cancel(ctx context.Context, id, reason string) (*execution.View, error)
}

// ServerConfig names the server in the MCP handshake.
type ServerConfig struct {
	Name    string
	Version string
}

// Server wraps an mcp-go server with the DocFlow tool set.
type Server struct {
	mcpServer *mcpserver.MCPServer
	execs     Executions
}

// NewServer creates a server and registers its tools.
func NewServer(cfg ServerConfig, execs Executions) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
		execs: execs,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler serves the streamable HTTP transport behind key authentication.
// Sessions are not kept; every request is self-contained.
func (s *Server) Handler(key func() string) http.Handler {
	return AuthMiddleware(key, mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithStateLess(true),
	))
}
