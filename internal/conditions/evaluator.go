package conditions

import (
	"context"
	"log/slog"
)

// Evaluator is the condition surface the executor uses. By default it runs
// the restricted safe grammar; with an unsafe engine attached (opt-in, for
// trusted definitions only) conditions run as full expressions and every
// evaluation logs a security warning.
type Evaluator struct {
	engine Engine // nil = safe mode
	logger *slog.Logger
}

// NewEvaluator creates a safe-mode evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// NewUnsafeEvaluator creates an evaluator that delegates to a full expression
// engine. Callers must gate this behind explicit runner configuration.
func NewUnsafeEvaluator(engine Engine, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{engine: engine, logger: logger}
}

// Unsafe reports whether this evaluator runs conditions as arbitrary expressions.
func (e *Evaluator) Unsafe() bool {
	return e.engine != nil
}

// Evaluate resolves a condition to a boolean against input and state.
// Evaluation errors are returned, never silently coerced to false.
func (e *Evaluator) Evaluate(ctx context.Context, condition string, input, state map[string]any) (bool, error) {
	if e.engine == nil {
		return EvaluateSafe(condition, input, state)
	}

	e.logger.Warn("evaluating condition in unsafe mode",
		slog.String("engine", e.engine.Name()),
		slog.String("condition", condition),
	)

	out, err := e.engine.Evaluate(ctx, condition, map[string]any{
		"input": input,
		"state": state,
	})
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}
