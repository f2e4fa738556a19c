package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/pkg/schema"
)

func TestCodeStepCompileError(t *testing.T) {
	source := `
workflows:
  wf:
    task: Broken expression
    steps:
      - id: broken
        code: "state.x +"
`
	r := newTestRunner(t, source, codeOptions())

	_, err := r.Run(context.Background(), "wf", nil, nil)
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeCompile, fe.Code)
	assert.Equal(t, "broken", fe.StepID)
	assert.Contains(t, fe.Details["code"], "state.x +")
}

func TestCodeStepProgramCache(t *testing.T) {
	r := newTestRunner(t, mainAndSubSource, codeOptions())

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), "main", map[string]any{"a": 1}, nil)
		require.NoError(t, err)
	}
	// One program per (workflow, step): main has two, sub has one.
	assert.Len(t, r.codeCache, 3)
}

func TestCodeDisabledFallsBackToAgentPath(t *testing.T) {
	source := `
workflows:
  wf:
    task: Code present but execution not allowed
    steps:
      - id: locked
        code: "1 + 1"
`
	r := newTestRunner(t, source, Options{})

	// Without unsafe code execution the step needs an agent, and a bare run
	// has none.
	_, err := r.Run(context.Background(), "wf", nil, nil)
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeConfig, fe.Code)
	assert.Contains(t, fe.Message, "requires agent execution")
}

func TestCodeEnvExposesIdentifiers(t *testing.T) {
	source := `
workflows:
  wf:
    task: Read interpreter-provided identifiers
    steps:
      - id: ids
        code: "workflowId + '/' + stepId"
        output: where
      - id: names
        code: "agentTools"
        output: tools
`
	opts := codeOptions()
	opts.ToolInfo = testCatalog()
	r := newTestRunner(t, source, opts)

	out, err := r.Run(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	state := out.(map[string]any)
	assert.Equal(t, "wf/ids", state["where"])
	assert.Equal(t, []string{"readFile", "writeFile", "fetch"}, state["tools"])
}

func TestCodeToolsHelper(t *testing.T) {
	source := `
workflows:
  wf:
    task: Invoke a host tool from code
    steps:
      - id: call
        code: "tools('echo', {'v': 1})"
        output: got
    output: got
`
	r := newTestRunner(t, source, codeOptions())

	host := &HostContext{
		InvokeTool: func(ctx context.Context, name string, args map[string]any) (any, error) {
			return map[string]any{"tool": name, "args": args}, nil
		},
		Logger: discardLogger(),
	}

	out, err := r.Run(context.Background(), "wf", nil, host)
	require.NoError(t, err)

	obj := out.(map[string]any)
	assert.Equal(t, "echo", obj["tool"])
}

func TestCodeToolsHelperWithoutHost(t *testing.T) {
	source := `
workflows:
  wf:
    task: Tool call with no host
    steps:
      - id: call
        code: "tools('echo', {})"
`
	r := newTestRunner(t, source, codeOptions())

	_, err := r.Run(context.Background(), "wf", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tool invoker")
}

func TestCodeJQHelper(t *testing.T) {
	source := `
workflows:
  wf:
    task: Query state with jq
    steps:
      - id: seed
        code: "{'items': [1, 2, 3]}"
        output: data
      - id: count
        code: "jq('.items | length', state.data)"
        output: n
      - id: spread
        code: "jq('.items[]', state.data)"
        output: all
`
	r := newTestRunner(t, source, codeOptions())

	out, err := r.Run(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	state := out.(map[string]any)
	assert.EqualValues(t, 3, state["n"])
	// Multiple jq outputs come back as a slice.
	all, ok := state["all"].([]any)
	require.True(t, ok)
	assert.Len(t, all, 3)
}

func TestCodeJQInvalidQuery(t *testing.T) {
	source := `
workflows:
  wf:
    task: Broken jq query
    steps:
      - id: bad
        code: "jq('.items |', state)"
`
	r := newTestRunner(t, source, codeOptions())

	_, err := r.Run(context.Background(), "wf", nil, nil)
	require.Error(t, err)
}
