// Package mcpserver exposes the workflow interpreter over the Model Context
// Protocol so coding agents can register, validate and run workflows as
// tools.
package mcpserver

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flowlet/flowlet/pkg/schema"
)

// WorkflowService is the surface the MCP tools call into. Satisfied by
// Service; tests substitute a mock.
type WorkflowService interface {
	Run(ctx context.Context, workflowID string, input map[string]any) (any, error)
	Validate(ctx context.Context, source string) *schema.ValidationResult
	Register(ctx context.Context, name, source string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Service WorkflowService
	Logger  *slog.Logger
}

// FlowServer wraps an MCP server with the flowlet tool handlers.
type FlowServer struct {
	service   WorkflowService
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all 5 tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		service: deps.Service,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowlet",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowlet interprets declarative agent workflows. Use flow.run to execute a workflow by name, flow.validate to check a definition, flow.register to store one, flow.list to enumerate runnable workflows, and flow.delete to remove a registered one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteTool(), Handler: s.handleDelete},
	}
}
