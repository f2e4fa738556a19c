package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/pkg/schema"
)

// RunWorkflowToolName is the virtual tool that lets an agent step invoke
// another workflow by name. It never appears in the host catalog; the runner
// intercepts it before InvokeTool.
const RunWorkflowToolName = "runWorkflow"

// Tool group names recognized in step allow-lists. A catalog entry may carry
// any labels, but only these (plus "all" and literal tool names) mean
// something in step.Tools.
const (
	ToolGroupReadOnly  = "readonly"
	ToolGroupReadWrite = "readwrite"
	ToolGroupInternet  = "internet"
)

// StepPrompt is the material the system prompt for one agent step is built
// from. Hosts can override rendering via Options.StepSystemPrompt.
type StepPrompt struct {
	WorkflowID      string
	StepID          string
	Task            string
	ExpectedOutcome string
	Input           map[string]any
	State           map[string]any
}

// executeAgent delegates a task step to the host's agent loop. The step
// requires the full agent surface and a non-empty tool catalog; without them
// the step fails with a configuration error rather than silently doing
// nothing.
func (r *Runner) executeAgent(ctx context.Context, inv *invocation, step *schema.StepNode) (any, error) {
	host := inv.host
	if !host.AgentCapable() {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"step %q requires agent execution, but the host provides no agent surface (generateText, invokeTool, taskEvent)", step.ID).
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	}
	if len(r.opts.ToolInfo) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"step %q requires agent execution, but no tool catalog is configured", step.ID).
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	allowed, descriptors := r.agentTools(step)
	logger := logging.LogWith(ctx, r.logger)

	maxRoundTrips := r.opts.MaxToolRoundTrips
	if maxRoundTrips <= 0 {
		maxRoundTrips = DefaultMaxToolRoundTrips
	}

	req := &GenerateRequest{
		Model:             r.opts.Model,
		System:            r.systemPrompt(inv, step),
		Prompt:            step.Task,
		Tools:             descriptors,
		MaxToolRoundTrips: maxRoundTrips,
		CallTool: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return r.callAgentTool(ctx, inv, step, allowed, name, args)
		},
	}

	res, err := host.GenerateText(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent execution failed: %v", err).
			WithWorkflow(inv.workflowID).WithStep(step.ID).
			WithCause(err)
	}

	switch res.Outcome {
	case OutcomeError:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "agent reported an error"
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent execution failed: %s", msg).
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	case OutcomeUsageExceeded:
		return nil, schema.NewError(schema.ErrCodeAgent, "agent stopped: usage budget exceeded").
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	logger.DebugContext(ctx, "agent step produced a result",
		slog.Bool("structured", res.Object != nil))

	if res.Object != nil {
		return res.Object, nil
	}
	if parsed, ok := extractJSON(res.Text); ok {
		return parsed, nil
	}
	if r.opts.WrapAgentResultInObject {
		return map[string]any{"result": res.Text}, nil
	}
	return res.Text, nil
}

// callAgentTool is the choke point for every model-initiated tool call:
// allow-list enforcement, the virtual runWorkflow tool, and event emission all
// happen here. Errors returned to the host are meant to surface to the model
// as failed tool results.
func (r *Runner) callAgentTool(ctx context.Context, inv *invocation, step *schema.StepNode, allowed map[string]bool, name string, args map[string]any) (any, error) {
	if !allowed[name] {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q is not allowed for step %q", name, step.ID).
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	inv.host.emit(ctx, "tool_call", map[string]any{
		"workflow": inv.workflowID,
		"step":     step.ID,
		"tool":     name,
	})

	if name == RunWorkflowToolName {
		return r.callRunWorkflowTool(ctx, inv, args)
	}
	return inv.host.InvokeTool(ctx, name, args)
}

// callRunWorkflowTool handles the virtual runWorkflow tool and returns the
// sub-workflow output wrapped as a JSON tool result.
func (r *Runner) callRunWorkflowTool(ctx context.Context, inv *invocation, args map[string]any) (any, error) {
	workflowID, _ := args["workflow"].(string)
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeInput, "runWorkflow requires a workflow name").
			WithWorkflow(inv.workflowID)
	}
	callInput, _ := args["input"].(map[string]any)

	out, err := r.runSubWorkflow(ctx, inv, workflowID, callInput)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(map[string]any{"output": out})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"cannot serialize output of workflow %q: %v", workflowID, err).WithCause(err)
	}
	return string(encoded), nil
}

// agentTools expands the step's tool allow-list against the catalog. A step
// without a tools field gets the whole catalog. Entries may be "all", a group
// name, or a literal tool name. The virtual runWorkflow tool rides along
// unless an explicit allow-list names neither it nor "all".
func (r *Runner) agentTools(step *schema.StepNode) (map[string]bool, []ToolInfo) {
	allowed := make(map[string]bool)

	if step.Tools == nil {
		for _, t := range r.opts.ToolInfo {
			allowed[t.Name] = true
		}
		allowed[RunWorkflowToolName] = true
	} else {
		for _, sel := range step.Tools {
			switch sel {
			case "all":
				for _, t := range r.opts.ToolInfo {
					allowed[t.Name] = true
				}
				allowed[RunWorkflowToolName] = true
			case ToolGroupReadOnly, ToolGroupReadWrite, ToolGroupInternet:
				for _, t := range r.opts.ToolInfo {
					if hasGroup(t, sel) {
						allowed[t.Name] = true
					}
				}
			case RunWorkflowToolName:
				allowed[RunWorkflowToolName] = true
			default:
				for _, t := range r.opts.ToolInfo {
					if t.Name == sel {
						allowed[t.Name] = true
					}
				}
			}
		}
	}

	descriptors := make([]ToolInfo, 0, len(allowed))
	for _, t := range r.opts.ToolInfo {
		if allowed[t.Name] {
			descriptors = append(descriptors, t)
		}
	}
	if allowed[RunWorkflowToolName] {
		descriptors = append(descriptors, runWorkflowDescriptor())
	}
	return allowed, descriptors
}

func hasGroup(t ToolInfo, group string) bool {
	for _, g := range t.Groups {
		if g == group {
			return true
		}
	}
	return false
}

func runWorkflowDescriptor() ToolInfo {
	return ToolInfo{
		Name:        RunWorkflowToolName,
		Description: "Run another named workflow and return its output.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workflow": map[string]any{
					"type":        "string",
					"description": "Name of the workflow to run.",
				},
				"input": map[string]any{
					"type":        "object",
					"description": "Input values for the workflow.",
				},
			},
			"required": []any{"workflow"},
		},
	}
}

// systemPrompt renders the system prompt for an agent step, via the host's
// override when configured.
func (r *Runner) systemPrompt(inv *invocation, step *schema.StepNode) string {
	p := StepPrompt{
		WorkflowID:      inv.workflowID,
		StepID:          step.ID,
		Task:            step.Task,
		ExpectedOutcome: step.ExpectedOutcome,
		Input:           inv.input,
		State:           inv.state,
	}
	if r.opts.StepSystemPrompt != nil {
		return r.opts.StepSystemPrompt(p)
	}
	return defaultSystemPrompt(p)
}

// defaultSystemPrompt builds a deterministic prompt: map serialization uses
// encoding/json, which orders keys, so identical frames render identically.
func defaultSystemPrompt(p StepPrompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing step %q of workflow %q.\n\n", p.StepID, p.WorkflowID)
	fmt.Fprintf(&b, "Task: %s\n", p.Task)
	if p.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", p.ExpectedOutcome)
	}
	b.WriteString("\nWorkflow input:\n")
	writeJSONBlock(&b, p.Input)
	b.WriteString("\nCurrent state:\n")
	writeJSONBlock(&b, p.State)
	b.WriteString("\nUse the available tools to complete the task. ")
	b.WriteString("When the step produces structured data, respond with a single JSON object.")
	return b.String()
}

func writeJSONBlock(b *strings.Builder, v map[string]any) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		encoded = []byte("{}")
	}
	b.WriteString("```json\n")
	b.Write(encoded)
	b.WriteString("\n```\n")
}

// extractJSON pulls a JSON object or array out of agent text: a fenced
// ```json block first, then the bare text itself when it starts with a
// bracket. Anything else is treated as plain text.
func extractJSON(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if inner, ok := fencedJSON(trimmed); ok {
		trimmed = inner
	}

	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// fencedJSON extracts the body of the first ```json fence, tolerating a bare
// ``` fence as well.
func fencedJSON(text string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
