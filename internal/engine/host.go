package engine

import (
	"context"
	"log/slog"
)

// Agent outcomes reported by the host's text generation loop.
const (
	OutcomeStop          = "Stop"
	OutcomeError         = "Error"
	OutcomeUsageExceeded = "UsageExceeded"
)

// ToolInfo describes one tool in the host's catalog. Groups classify the tool
// for allow-list expansion ("readonly", "readwrite", "internet"); a step that
// lists a group name gets every catalog tool carrying that group.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Groups      []string       `json:"groups,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// GenerateRequest is what the runner hands to the host for one agent-executed
// step. The host owns the LLM loop: it sends System+Prompt with the tool
// descriptors, routes every model tool call through CallTool, and loops until
// the model stops or MaxToolRoundTrips is exhausted.
//
// CallTool enforces the step's allow-list and intercepts the virtual
// runWorkflow tool. A disallowed call returns an error the host should feed
// back to the model as a failed tool result, not abort the step with.
type GenerateRequest struct {
	Model             string
	System            string
	Prompt            string
	Tools             []ToolInfo
	MaxToolRoundTrips int
	CallTool          func(ctx context.Context, name string, args map[string]any) (any, error)
}

// GenerateResult is the host's answer for one agent step. Object, when
// non-nil, is a structured result and wins over Text.
type GenerateResult struct {
	Text         string
	Object       map[string]any
	Outcome      string // Stop, Error or UsageExceeded
	ErrorMessage string
}

// HostContext is the capability surface a host lends to a run. All three agent
// callbacks must be present for agent-executed steps; a workflow made purely
// of code steps runs with none of them.
type HostContext struct {
	// GenerateText runs the agent loop for one step.
	GenerateText func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// InvokeTool executes a catalog tool. Also exposed to code steps as tools().
	InvokeTool func(ctx context.Context, name string, args map[string]any) (any, error)

	// TaskEvent receives progress events (step_started, tool_call, ...).
	// Best effort; errors are logged and ignored.
	TaskEvent func(ctx context.Context, event string, payload map[string]any) error

	// Step, when set, wraps each task-step execution. Durable-execution hosts
	// use it for checkpointing; nil means direct invocation.
	Step func(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)

	Logger *slog.Logger
}

// AgentCapable reports whether the host provides the full agent surface.
func (h *HostContext) AgentCapable() bool {
	return h != nil && h.GenerateText != nil && h.InvokeTool != nil && h.TaskEvent != nil
}

func (h *HostContext) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// runStep routes execution through the host's Step wrapper when present.
func (h *HostContext) runStep(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	if h != nil && h.Step != nil {
		return h.Step(ctx, name, fn)
	}
	return fn(ctx)
}

// emit sends a task event if the host listens for them.
func (h *HostContext) emit(ctx context.Context, event string, payload map[string]any) {
	if h == nil || h.TaskEvent == nil {
		return
	}
	if err := h.TaskEvent(ctx, event, payload); err != nil {
		h.logger().DebugContext(ctx, "task event dropped",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
