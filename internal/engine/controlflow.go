package engine

import (
	"context"
	"log/slog"

	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/pkg/schema"
)

// flowSignal propagates break/continue up the step recursion. Signals pass
// transparently through if and try nodes and are consumed by the nearest
// enclosing while loop.
type flowSignal int

const (
	signalNone flowSignal = iota
	signalBreak
	signalContinue
)

// executeSteps runs a step list in order. Each id-carrying step's result is
// stored in state under its output key before any signal or error propagates,
// and *last tracks the most recent stored result so loops and branches can
// report the value their body produced.
func (r *Runner) executeSteps(ctx context.Context, inv *invocation, steps []*schema.StepNode, loopDepth int, last *any) (flowSignal, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return signalNone, schema.NewError(schema.ErrCodeExecution, "run cancelled").
				WithWorkflow(inv.workflowID).WithCause(err)
		}

		result, sig, err := r.executeStep(ctx, inv, step, loopDepth)
		if err != nil {
			return signalNone, err
		}

		if key := step.OutputKey(); key != "" {
			inv.state[key] = result
			*last = result
		}

		if sig != signalNone {
			return sig, nil
		}
	}
	return signalNone, nil
}

// executeStep dispatches one step node by kind.
func (r *Runner) executeStep(ctx context.Context, inv *invocation, step *schema.StepNode, loopDepth int) (any, flowSignal, error) {
	switch step.Kind() {
	case schema.StepKindBreak:
		if loopDepth == 0 {
			return nil, signalNone, schema.NewError(schema.ErrCodeExecution, "break outside of a loop").
				WithWorkflow(inv.workflowID)
		}
		return nil, signalBreak, nil

	case schema.StepKindContinue:
		if loopDepth == 0 {
			return nil, signalNone, schema.NewError(schema.ErrCodeExecution, "continue outside of a loop").
				WithWorkflow(inv.workflowID)
		}
		return nil, signalContinue, nil

	case schema.StepKindWhile:
		result, err := r.executeWhile(ctx, inv, step, loopDepth)
		return result, signalNone, err

	case schema.StepKindIf:
		return r.executeIf(ctx, inv, step, loopDepth)

	case schema.StepKindTry:
		return r.executeTry(ctx, inv, step, loopDepth)

	default:
		result, err := r.executeTask(ctx, inv, step)
		return result, signalNone, err
	}
}

// executeWhile re-evaluates the condition before every iteration and runs the
// body until the condition is falsy, a break surfaces, or the iteration cap
// trips. The loop's value is the last result its body produced across all
// iterations.
func (r *Runner) executeWhile(ctx context.Context, inv *invocation, step *schema.StepNode, loopDepth int) (any, error) {
	var last any
	iterations := 0

	for {
		ok, err := r.eval.Evaluate(ctx, step.While.Condition, inv.input, inv.state)
		if err != nil {
			return nil, asFlowError(err).WithWorkflow(inv.workflowID).WithStep(step.ID)
		}
		if !ok {
			break
		}

		iterations++
		if iterations > MaxWhileIterations {
			return nil, schema.NewErrorf(schema.ErrCodeLoopLimit,
				"while loop exceeded %d iterations", MaxWhileIterations).
				WithWorkflow(inv.workflowID).WithStep(step.ID)
		}

		sig, err := r.executeSteps(ctx, inv, step.While.Steps, loopDepth+1, &last)
		if err != nil {
			return nil, err
		}
		if sig == signalBreak {
			break
		}
		// signalContinue just starts the next condition check.
	}

	return last, nil
}

// executeIf evaluates the condition once and runs the matching branch.
// Signals from the branch pass through to the enclosing loop.
func (r *Runner) executeIf(ctx context.Context, inv *invocation, step *schema.StepNode, loopDepth int) (any, flowSignal, error) {
	ok, err := r.eval.Evaluate(ctx, step.If.Condition, inv.input, inv.state)
	if err != nil {
		return nil, signalNone, asFlowError(err).WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	branch := step.If.Then
	if !ok {
		branch = step.If.Else
	}

	var last any
	sig, err := r.executeSteps(ctx, inv, branch, loopDepth, &last)
	if err != nil {
		return nil, signalNone, err
	}
	return last, sig, nil
}

// executeTry runs the try body; an error from it routes into the catch body
// instead of failing the workflow. Errors raised by catch itself propagate.
// Signals from either body pass through.
func (r *Runner) executeTry(ctx context.Context, inv *invocation, step *schema.StepNode, loopDepth int) (any, flowSignal, error) {
	var last any
	sig, err := r.executeSteps(ctx, inv, step.Try.Steps, loopDepth, &last)
	if err == nil {
		return last, sig, nil
	}

	logging.LogWith(ctx, r.logger).WarnContext(ctx, "try step recovered an error",
		slog.String("step_id", step.ID),
		slog.String("error", err.Error()))

	var caught any
	sig, catchErr := r.executeSteps(ctx, inv, step.Try.Catch, loopDepth, &caught)
	if catchErr != nil {
		return nil, signalNone, catchErr
	}
	return caught, sig, nil
}

// asFlowError keeps structured errors intact and wraps everything else as an
// execution error so WithWorkflow/WithStep can always attach context.
func asFlowError(err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
