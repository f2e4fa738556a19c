package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/pkg/schema"
)

const agentSource = `
workflows:
  agentic:
    task: One agent-delegated step
    steps:
      - id: ask
        task: "Find the answer"
        expected_outcome: "a JSON object with the answer"
        tools: [readonly]
    output: ask
`

func testCatalog() []ToolInfo {
	return []ToolInfo{
		{Name: "readFile", Description: "Read a file", Groups: []string{"readonly"}},
		{Name: "writeFile", Description: "Write a file", Groups: []string{"readwrite"}},
		{Name: "fetch", Description: "HTTP GET", Groups: []string{"readonly", "internet"}},
	}
}

// agentHost builds a capable host whose generate loop is the given function.
func agentHost(gen func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)) *HostContext {
	return &HostContext{
		GenerateText: gen,
		InvokeTool: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return map[string]any{"invoked": name}, nil
		},
		TaskEvent: func(ctx context.Context, event string, payload map[string]any) error {
			return nil
		},
		Logger: discardLogger(),
	}
}

func stopWith(res *GenerateResult) func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	return func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if res.Outcome == "" {
			res.Outcome = OutcomeStop
		}
		return res, nil
	}
}

func TestAgentStepRequiresHostSurface(t *testing.T) {
	opts := Options{ToolInfo: testCatalog()}
	r := newTestRunner(t, agentSource, opts)

	// nil host.
	_, err := r.Run(context.Background(), "agentic", nil, nil)
	require.Error(t, err)
	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeConfig, fe.Code)
	assert.Contains(t, fe.Message, "requires agent execution")

	// Host missing one callback is just as incapable.
	partial := &HostContext{GenerateText: stopWith(&GenerateResult{Text: "x"}), Logger: discardLogger()}
	_, err = r.Run(context.Background(), "agentic", nil, partial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires agent execution")
}

func TestAgentStepRequiresToolCatalog(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{})

	_, err := r.Run(context.Background(), "agentic", nil, agentHost(stopWith(&GenerateResult{Text: "x"})))
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeConfig, fe.Code)
	assert.Contains(t, fe.Message, "no tool catalog")
}

func TestAgentStructuredObjectWins(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	host := agentHost(stopWith(&GenerateResult{
		Text:   "ignored",
		Object: map[string]any{"answer": 42},
	}))

	out, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)

	obj, ok := out.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, obj["answer"])
}

func TestAgentFencedJSONExtracted(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	host := agentHost(stopWith(&GenerateResult{
		Text: "Here you go:\n```json\n{\"answer\": 7}\n```\nDone.",
	}))

	out, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)

	obj, ok := out.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, obj["answer"])
}

func TestAgentBareTextPassesThrough(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	host := agentHost(stopWith(&GenerateResult{Text: "plain prose answer"}))

	out, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	assert.Equal(t, "plain prose answer", out)
}

func TestAgentTextWrappedWhenConfigured(t *testing.T) {
	opts := Options{ToolInfo: testCatalog(), WrapAgentResultInObject: true}
	r := newTestRunner(t, agentSource, opts)

	host := agentHost(stopWith(&GenerateResult{Text: "plain prose answer"}))

	out, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "plain prose answer"}, out)
}

func TestAgentErrorOutcome(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	host := agentHost(stopWith(&GenerateResult{Outcome: OutcomeError, ErrorMessage: "model refused"}))

	_, err := r.Run(context.Background(), "agentic", nil, host)
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeAgent, fe.Code)
	assert.Contains(t, fe.Message, "model refused")
}

func TestAgentUsageExceededOutcome(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	host := agentHost(stopWith(&GenerateResult{Outcome: OutcomeUsageExceeded}))

	_, err := r.Run(context.Background(), "agentic", nil, host)
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeAgent, fe.Code)
	assert.Contains(t, fe.Message, "usage budget exceeded")
}

func TestAgentToolAllowList(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog()})

	var descriptors []string
	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		for _, tool := range req.Tools {
			descriptors = append(descriptors, tool.Name)
		}

		// Allowed by the readonly group.
		out, err := req.CallTool(ctx, "readFile", map[string]any{"path": "x"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"invoked": "readFile"}, out)

		// Not in any allowed group: surfaced as a tool error.
		_, err = req.CallTool(ctx, "writeFile", map[string]any{"path": "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not allowed")

		// The allow-list names neither "all" nor runWorkflow, so the
		// virtual tool is withheld too.
		_, err = req.CallTool(ctx, RunWorkflowToolName, map[string]any{"workflow": "sub"})
		require.Error(t, err)

		return &GenerateResult{Text: "done", Outcome: OutcomeStop}, nil
	})

	_, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	// readonly expands to readFile and fetch; runWorkflow is absent.
	assert.ElementsMatch(t, []string{"readFile", "fetch"}, descriptors)
}

func TestAgentDefaultAllowListIncludesEverything(t *testing.T) {
	source := `
workflows:
  agentic:
    task: Step without a tools field
    steps:
      - id: ask
        task: "Do anything"
`
	r := newTestRunner(t, source, Options{ToolInfo: testCatalog()})

	var descriptors []string
	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		for _, tool := range req.Tools {
			descriptors = append(descriptors, tool.Name)
		}
		return &GenerateResult{Text: "done", Outcome: OutcomeStop}, nil
	})

	_, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"readFile", "writeFile", "fetch", RunWorkflowToolName}, descriptors)
}

func TestAgentVirtualRunWorkflowTool(t *testing.T) {
	source := `
workflows:
  agentic:
    task: Agent step that may delegate to sub-workflows
    steps:
      - id: ask
        task: "Delegate"
        tools: [readonly, runWorkflow]
    output: ask
  double:
    task: Double x
    inputs:
      - id: x
    steps:
      - id: d
        code: "input.x * 2"
        output: y
    output: y
`
	opts := Options{ToolInfo: testCatalog(), AllowUnsafeCodeExecution: true}
	r := newTestRunner(t, source, opts)

	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		out, err := req.CallTool(ctx, RunWorkflowToolName, map[string]any{
			"workflow": "double",
			"input":    map[string]any{"x": 21},
		})
		require.NoError(t, err)
		// The sub-workflow output comes back as a JSON tool result.
		assert.JSONEq(t, `{"output": 42}`, out.(string))

		return &GenerateResult{Text: "delegated", Outcome: OutcomeStop}, nil
	})

	out, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	assert.Equal(t, "delegated", out)
}

func TestAgentSystemPromptContents(t *testing.T) {
	r := newTestRunner(t, agentSource, Options{ToolInfo: testCatalog(), Model: "test-model"})

	var captured *GenerateRequest
	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		captured = req
		return &GenerateResult{Text: "ok", Outcome: OutcomeStop}, nil
	})

	_, err := r.Run(context.Background(), "agentic", map[string]any{"topic": "dns"}, host)
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, "Find the answer", captured.Prompt)
	assert.Equal(t, DefaultMaxToolRoundTrips, captured.MaxToolRoundTrips)
	assert.Contains(t, captured.System, `step "ask" of workflow "agentic"`)
	assert.Contains(t, captured.System, "Find the answer")
	assert.Contains(t, captured.System, "a JSON object with the answer")
	assert.Contains(t, captured.System, `"topic": "dns"`)
}

func TestAgentCustomSystemPrompt(t *testing.T) {
	opts := Options{
		ToolInfo: testCatalog(),
		StepSystemPrompt: func(p StepPrompt) string {
			return "custom: " + p.StepID
		},
	}
	r := newTestRunner(t, agentSource, opts)

	var system string
	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		system = req.System
		return &GenerateResult{Text: "ok", Outcome: OutcomeStop}, nil
	})

	_, err := r.Run(context.Background(), "agentic", nil, host)
	require.NoError(t, err)
	assert.Equal(t, "custom: ask", system)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, true},
		{"bare array", `[1, 2]`, true},
		{"fenced json", "```json\n{\"a\": 1}\n```", true},
		{"fenced bare", "```\n{\"a\": 1}\n```", true},
		{"prose around fence", "sure:\n```json\n{\"a\": 1}\n```\nthanks", true},
		{"plain prose", "the answer is 42", false},
		{"empty", "", false},
		{"broken json", `{"a": `, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := extractJSON(tt.text)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
