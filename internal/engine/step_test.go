package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/pkg/schema"
)

func TestStepTimeout(t *testing.T) {
	source := `
workflows:
  wf:
    task: Slow agent step with a tight deadline
    steps:
      - id: slow
        task: "Take your time"
        timeout: 20
`
	r := newTestRunner(t, source, Options{ToolInfo: testCatalog()})

	var sawCancel bool
	host := agentHost(func(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
		select {
		case <-ctx.Done():
			sawCancel = true
		case <-time.After(2 * time.Second):
		}
		return &GenerateResult{Text: "too late", Outcome: OutcomeStop}, nil
	})

	start := time.Now()
	_, err := r.Run(context.Background(), "wf", nil, host)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeTimeout, fe.Code)
	assert.Contains(t, fe.Message, "20ms")
	assert.Equal(t, "slow", fe.StepID)

	// The step context is cancelled so the host can stop cooperatively.
	assert.Eventually(t, func() bool { return sawCancel }, time.Second, 10*time.Millisecond)
}

func TestStepTimeoutNotHitWhenFast(t *testing.T) {
	source := `
workflows:
  wf:
    task: Fast step under a generous deadline
    steps:
      - id: quick
        code: "'done'"
        timeout: 5000
    output: quick
`
	r := newTestRunner(t, source, codeOptions())

	out, err := r.Run(context.Background(), "wf", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestStepOutputSchemaRejectsMismatch(t *testing.T) {
	source := `
workflows:
  wf:
    task: Step promising an object but producing a number
    steps:
      - id: lie
        code: "41"
        outputSchema:
          type: object
          required: [answer]
`
	r := newTestRunner(t, source, codeOptions())

	_, err := r.Run(context.Background(), "wf", nil, nil)
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeSchema, fe.Code)
	assert.Equal(t, "wf", fe.WorkflowID)
	assert.Equal(t, "lie", fe.StepID)
}

func TestStepOutputSchemaAcceptsMatch(t *testing.T) {
	source := `
workflows:
  wf:
    task: Step keeping its schema promise
    steps:
      - id: honest
        code: "{'answer': 42}"
        outputSchema:
          type: object
          properties:
            answer:
              type: integer
          required: [answer]
    output: honest
`
	r := newTestRunner(t, source, codeOptions())

	out, err := r.Run(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	obj, ok := out.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, obj["answer"])
}

func TestStepRoutedThroughHostStepWrapper(t *testing.T) {
	r := newTestRunner(t, mainAndSubSource, codeOptions())

	var names []string
	host := &HostContext{
		Step: func(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
			names = append(names, name)
			return fn(ctx)
		},
		Logger: discardLogger(),
	}

	_, err := r.Run(context.Background(), "main", map[string]any{"a": 3}, host)
	require.NoError(t, err)
	// run_sub enters its wrapper before the nested sub-workflow runs.
	assert.Equal(t, []string{"main.add_one", "main.run_sub", "sub.double"}, names)
}

func TestStepEventsEmitted(t *testing.T) {
	r := newTestRunner(t, mainAndSubSource, codeOptions())

	var events []string
	host := &HostContext{
		TaskEvent: func(ctx context.Context, event string, payload map[string]any) error {
			events = append(events, event)
			return nil
		},
		Logger: discardLogger(),
	}

	_, err := r.Run(context.Background(), "main", map[string]any{"a": 3}, host)
	require.NoError(t, err)
	// Three task steps across main and sub, each started and completed.
	assert.Equal(t, []string{
		"step_started", "step_completed",
		"step_started", "step_started", "step_completed", "step_completed",
	}, events)
}
