package conditions

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/pkg/schema"
)

func TestSafeEvaluatorDefault(t *testing.T) {
	e := NewEvaluator(nil)
	assert.False(t, e.Unsafe())

	got, err := e.Evaluate(context.Background(), "state.ready == true", nil, map[string]any{"ready": true})
	require.NoError(t, err)
	assert.True(t, got)

	// Safe mode rejects full expression syntax.
	_, err = e.Evaluate(context.Background(), "len(state.items) > 0", nil, map[string]any{"items": []any{1}})
	require.Error(t, err)
}

func TestUnsafeEvaluatorExpr(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := NewUnsafeEvaluator(NewExprEngine(), logger)
	assert.True(t, e.Unsafe())

	state := map[string]any{"items": []any{1, 2, 3}}
	got, err := e.Evaluate(context.Background(), "len(state.items) > 2", nil, state)
	require.NoError(t, err)
	assert.True(t, got)

	// Every unsafe evaluation logs a warning.
	assert.Contains(t, buf.String(), "evaluating condition in unsafe mode")
	assert.Contains(t, buf.String(), "engine=expr")
}

func TestUnsafeEvaluatorCEL(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	e := NewUnsafeEvaluator(engine, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	got, err := e.Evaluate(context.Background(), `state.count > 1 && input.name == "x"`,
		map[string]any{"name": "x"},
		map[string]any{"count": 2},
	)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "state.count >", map[string]any{"state": map[string]any{}})
	require.Error(t, err)

	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCondition, fe.Code)
}

func TestExprEngineCachesPrograms(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"state": map[string]any{"n": 1}}

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(context.Background(), "state.n + 1", data)
		require.NoError(t, err)
		assert.EqualValues(t, 2, out)
	}
	assert.Len(t, e.cache, 1)
}

func TestCELEngineMissingVariables(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	// Absent input/state default to empty maps instead of erroring.
	out, err := engine.Evaluate(context.Background(), `"k" in state`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}
