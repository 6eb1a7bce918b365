// Package mcp exposes kernel operations to supervised agent runtimes over
// the Model Context Protocol. Agents discover the endpoint through the
// manifest materialized into their workspace and call kernel tools the same
// way they call any other MCP server.
package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/version"
	"github.com/aether-os/aether/pkg/vfs"
)

// Server wraps an MCP SDK server wired to the process manager and the
// virtual filesystem.
type Server struct {
	manager *process.Manager
	fs      *vfs.FS
	logger  *slog.Logger

	srv *mcpsdk.Server
}

// NewServer builds the kernel MCP server and registers its tool set.
func NewServer(manager *process.Manager, fs *vfs.FS, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		fs:      fs,
		logger:  logger.With("component", "mcp"),
	}
	s.srv = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "aether-kernel",
		Version: version.GitCommit,
	}, nil)
	s.registerTools()
	return s
}

// Handler serves the MCP server over streamable HTTP. Mounted by the API
// server at the endpoint advertised in agent manifests.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.srv
	}, nil)
}

// Run serves a single MCP session over the given transport until ctx ends.
// Used by tests with in-memory transports.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.srv.Run(ctx, t)
}
