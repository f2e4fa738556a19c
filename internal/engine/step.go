package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/pkg/schema"
)

// executeTask runs one leaf task step: the persisted code path when the step
// carries code and the runner allows it, the agent path otherwise. The result
// is checked against the step's outputSchema before it reaches state.
func (r *Runner) executeTask(ctx context.Context, inv *invocation, step *schema.StepNode) (any, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	logger := logging.LogWith(ctx, r.logger)

	exec := func(ctx context.Context) (any, error) {
		if step.Code != "" && r.opts.AllowUnsafeCodeExecution {
			return r.executeCode(ctx, inv, step)
		}
		return r.executeAgent(ctx, inv, step)
	}

	inv.host.emit(ctx, "step_started", map[string]any{
		"workflow": inv.workflowID,
		"step":     step.ID,
	})
	logger.DebugContext(ctx, "step starting")

	wrapped := func(ctx context.Context) (any, error) {
		return inv.host.runStep(ctx, inv.workflowID+"."+step.ID, exec)
	}

	var result any
	var err error
	if step.TimeoutMs > 0 {
		result, err = r.raceTimeout(ctx, inv, step, wrapped)
	} else {
		result, err = wrapped(ctx)
	}
	if err != nil {
		inv.host.emit(ctx, "step_failed", map[string]any{
			"workflow": inv.workflowID,
			"step":     step.ID,
			"error":    err.Error(),
		})
		return nil, err
	}

	if err := r.outputs.Validate(result, step.OutputSchema); err != nil {
		return nil, asFlowError(err).WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	inv.host.emit(ctx, "step_completed", map[string]any{
		"workflow": inv.workflowID,
		"step":     step.ID,
	})
	logger.DebugContext(ctx, "step finished")
	return result, nil
}

// raceTimeout runs fn against a timer. On timeout the step fails and the step
// context is cancelled so cooperative tools can bail out, but the goroutine is
// not forcibly stopped; its late result is discarded.
func (r *Runner) raceTimeout(ctx context.Context, inv *invocation, step *schema.StepNode, fn func(ctx context.Context) (any, error)) (any, error) {
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(stepCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "step timed out",
			slog.Int("timeout_ms", step.TimeoutMs))
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step timed out after %dms", step.TimeoutMs).
			WithWorkflow(inv.workflowID).WithStep(step.ID)
	}
}
