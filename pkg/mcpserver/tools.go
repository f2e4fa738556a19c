package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flow.run",
		mcp.WithDescription("Run a workflow by name and return its output"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to run")),
		mcp.WithObject("input", mcp.Description("Input values for the workflow")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Parse and structurally validate a workflow definition without running it"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Workflow definition in YAML or JSON")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("flow.register",
		mcp.WithDescription("Validate and store a workflow definition under a name"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name to register the workflow under")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Workflow definition in YAML or JSON")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flow.list",
		mcp.WithDescription("List the names of all runnable workflows"),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("flow.delete",
		mcp.WithDescription("Remove a registered workflow"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the registered workflow to remove")),
	)
}

// --- Handlers ---

func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	out, runErr := s.service.Run(ctx, workflow, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(map[string]any{"output": out})
}

func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	return marshalResult(s.service.Validate(ctx, source))
}

func (s *FlowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}

	if regErr := s.service.Register(ctx, name, source); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "name": name})
}

func (s *FlowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.service.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": names})
}

func (s *FlowServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	if delErr := s.service.Delete(ctx, name); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "name": name})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
