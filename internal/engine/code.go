package engine

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/pkg/schema"
)

const codePreviewLen = 200

// executeCode runs a persisted code step. Programs are expr expressions
// compiled once per (workflow, step) and cached on the runner; the environment
// gives code read access to input/state plus the tools(), runWorkflow(), jq()
// and log() helpers.
func (r *Runner) executeCode(ctx context.Context, inv *invocation, step *schema.StepNode) (any, error) {
	program, err := r.compileCode(inv.workflowID, step)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(program, r.codeEnv(ctx, inv, step))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "code step failed: %v", err).
			WithWorkflow(inv.workflowID).WithStep(step.ID).
			WithCause(err)
	}
	return out, nil
}

// compileCode returns the cached program for a step or compiles and caches it.
func (r *Runner) compileCode(workflowID string, step *schema.StepNode) (*vm.Program, error) {
	key := workflowID + "." + step.ID

	r.codeMu.RLock()
	if program, ok := r.codeCache[key]; ok {
		r.codeMu.RUnlock()
		return program, nil
	}
	r.codeMu.RUnlock()

	r.codeMu.Lock()
	defer r.codeMu.Unlock()

	// Double-check after acquiring write lock.
	if program, ok := r.codeCache[key]; ok {
		return program, nil
	}

	program, err := expr.Compile(step.Code,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCompile, "failed to compile step code: %v", err).
			WithWorkflow(workflowID).WithStep(step.ID).
			WithCause(err).
			WithDetails(map[string]any{"code": codePreview(step.Code)})
	}

	r.codeCache[key] = program
	return program, nil
}

func codePreview(code string) string {
	if len(code) <= codePreviewLen {
		return code
	}
	return code[:codePreviewLen] + "..."
}

// codeEnv builds the runtime environment for one code-step evaluation. The
// helper closures capture the current invocation, so the environment is
// rebuilt per run while the compiled program is reused.
func (r *Runner) codeEnv(ctx context.Context, inv *invocation, step *schema.StepNode) map[string]any {
	logger := logging.LogWith(ctx, r.logger)

	toolNames := make([]string, 0, len(r.opts.ToolInfo))
	for _, t := range r.opts.ToolInfo {
		toolNames = append(toolNames, t.Name)
	}

	return map[string]any{
		"workflowId": inv.workflowID,
		"stepId":     step.ID,
		"input":      inv.input,
		"state":      inv.state,
		"toolInfo":   r.opts.ToolInfo,
		"agentTools": toolNames,

		"tools": func(name string, args map[string]any) (any, error) {
			if inv.host == nil || inv.host.InvokeTool == nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfig,
					"code step called tool %q but the host provides no tool invoker", name).
					WithWorkflow(inv.workflowID).WithStep(step.ID)
			}
			return inv.host.InvokeTool(ctx, name, args)
		},

		"runWorkflow": func(workflowID string, callInput map[string]any) (any, error) {
			return r.runSubWorkflow(ctx, inv, workflowID, callInput)
		},

		"jq": func(query string, data any) (any, error) {
			return r.evalJQ(ctx, inv, step, query, data)
		},

		"log": func(message string) bool {
			logger.InfoContext(ctx, message)
			return true
		},
	}
}

// evalJQ compiles a jq query (cached per runner) and applies it to data.
// A query yielding one value returns it directly; multiple values come back
// as a slice.
func (r *Runner) evalJQ(ctx context.Context, inv *invocation, step *schema.StepNode, query string, data any) (any, error) {
	code, err := r.compileJQ(query)
	if err != nil {
		return nil, asFlowError(err).WithWorkflow(inv.workflowID).WithStep(step.ID)
	}

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if iterErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq query failed: %v", iterErr).
				WithWorkflow(inv.workflowID).WithStep(step.ID).
				WithCause(iterErr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (r *Runner) compileJQ(query string) (*gojq.Code, error) {
	r.jqMu.RLock()
	if code, ok := r.jqCache[query]; ok {
		r.jqMu.RUnlock()
		return code, nil
	}
	r.jqMu.RUnlock()

	r.jqMu.Lock()
	defer r.jqMu.Unlock()

	if code, ok := r.jqCache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCompile, "invalid jq query %q: %v", query, err).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCompile, "cannot compile jq query %q: %v", query, err).WithCause(err)
	}

	r.jqCache[query] = code
	return code, nil
}
