package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/internal/engine"
	"github.com/flowlet/flowlet/internal/registry"
	"github.com/flowlet/flowlet/pkg/schema"
)

const fileSource = `
workflows:
  double:
    task: Double the input
    inputs:
      - id: x
    steps:
      - id: d
        code: "input.x * 2"
        output: y
    output: y
`

const registeredSource = `
workflows:
  triple:
    task: Triple the input
    inputs:
      - id: x
    steps:
      - id: t
        code: "input.x * 3"
        output: y
    output: y
`

func newTestService(t *testing.T) *Service {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := engine.Options{AllowUnsafeCodeExecution: true, Logger: logger}

	runner, err := engine.NewFromSource([]byte(fileSource), opts)
	require.NoError(t, err)

	return NewService(ServiceDeps{
		Runner:   runner,
		Registry: registry.NewMemoryRegistry(),
		Options:  opts,
		Host:     &engine.HostContext{Logger: logger},
		Logger:   logger,
	})
}

func TestServiceRunsFileWorkflow(t *testing.T) {
	s := newTestService(t)

	out, err := s.Run(context.Background(), "double", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.EqualValues(t, 10, out)
}

func TestServiceRegisterAndRun(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "triple", registeredSource))

	out, err := s.Run(ctx, "triple", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.EqualValues(t, 15, out)
}

func TestServiceRegisterSingleWorkflowUnderNewName(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	// A single-workflow file registers under any name.
	require.NoError(t, s.Register(ctx, "renamed", registeredSource))

	out, err := s.Run(ctx, "renamed", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 6, out)
}

func TestServiceRegisterRejectsInvalidSource(t *testing.T) {
	s := newTestService(t)

	err := s.Register(context.Background(), "bad", "workflows:\n  bad:\n    task: nothing\n")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.FlowError).Code)
}

func TestServiceRegisterRejectsAmbiguousName(t *testing.T) {
	s := newTestService(t)

	multi := fileSource + `
  other:
    task: Something else
    steps:
      - id: s
        code: "1"
`
	err := s.Register(context.Background(), "neither", multi)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not define workflow")
}

func TestServiceRunNotFound(t *testing.T) {
	s := newTestService(t)

	_, err := s.Run(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)
}

func TestServiceListMergesSources(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "triple", registeredSource))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"double", "triple"}, names)
}

func TestServiceDelete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "triple", registeredSource))
	require.NoError(t, s.Delete(ctx, "triple"))

	_, err := s.Run(ctx, "triple", map[string]any{"x": 1})
	require.Error(t, err)
}

func TestServiceValidate(t *testing.T) {
	s := newTestService(t)

	res := s.Validate(context.Background(), fileSource)
	assert.True(t, res.Success)

	res = s.Validate(context.Background(), "workflows:\n  w:\n    task: t\n")
	assert.False(t, res.Success)
}

func TestServiceRegisteredWorkflowsSeeEachOther(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "triple", registeredSource))

	caller := `
workflows:
  chain:
    task: Call a sibling registered workflow
    steps:
      - id: call
        code: "runWorkflow('triple', {'x': 2})"
        output: got
    output: got
`
	require.NoError(t, s.Register(ctx, "chain", caller))

	out, err := s.Run(ctx, "chain", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 6, out)
}
