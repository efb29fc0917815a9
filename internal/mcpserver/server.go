// Package mcpserver exposes one running Silo's cluster state and actor
// invocation path as MCP tools, so an operator or an LLM-driven agent can
// inspect and drive a meridian cluster over the same protocol used to
// expose other operational surfaces.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roasbeef/meridian/internal/silo"
)

// Server wraps an MCP server bound to one local Silo.
type Server struct {
	server *mcp.Server
	silo   *silo.Silo
}

// Config configures a Server.
type Config struct {
	// Silo is the cluster member this server introspects and drives.
	Silo *silo.Silo

	// Name and Version identify this server to MCP clients.
	Name    string
	Version string
}

// NewServer constructs a Server with every tool registered.
func NewServer(cfg Config) *Server {
	name := cfg.Name
	if name == "" {
		name = "meridian"
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	s := &Server{server: mcpServer, silo: cfg.Silo}
	s.registerTools()

	return s
}

// Run starts serving over transport until ctx is done or transport closes.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_silos",
		Description: "List the active silos this cluster member currently sees in its membership view",
	}, s.handleListSilos)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_activation",
		Description: "Describe the local activation (if any) for an actor key",
	}, s.handleGetActivation)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "invoke_actor",
		Description: "Invoke a method on an actor, activating it if needed and forwarding to its owning silo",
	}, s.handleInvokeActor)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_dead_letters",
		Description: "List dead-lettered invocations recorded by this silo",
	}, s.handleListDeadLetters)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_topics",
		Description: "Report publish/subscribe metrics for a stream subject configured on this silo",
	}, s.handleSubjectMetrics)
}
