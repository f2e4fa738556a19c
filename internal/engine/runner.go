package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/flowlet/flowlet/internal/conditions"
	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/internal/validation"
	"github.com/flowlet/flowlet/pkg/schema"
)

// MaxWhileIterations caps every while loop. Exceeding it fails the run with a
// LOOP_LIMIT error instead of spinning forever on a condition that never
// flips.
const MaxWhileIterations = 1000

// DefaultMaxToolRoundTrips bounds the agent loop when the host gets no
// explicit budget.
const DefaultMaxToolRoundTrips = 8

// Options configures a Runner. The zero value is usable for workflows made
// purely of control flow; agent steps additionally need ToolInfo and a
// capable host, code steps need AllowUnsafeCodeExecution.
type Options struct {
	// ToolInfo is the host's tool catalog, used for agent step allow-lists
	// and descriptors.
	ToolInfo []ToolInfo

	// Model is passed through to the host's generate loop.
	Model string

	// MaxToolRoundTrips bounds the agent loop per step. Zero means
	// DefaultMaxToolRoundTrips.
	MaxToolRoundTrips int

	// StepSystemPrompt overrides the built-in system prompt for agent steps.
	StepSystemPrompt func(p StepPrompt) string

	// WrapAgentResultInObject wraps bare-text agent results as
	// {"result": text} so downstream conditions can address them by path.
	WrapAgentResultInObject bool

	// BuiltInWorkflows are host-provided definitions resolvable by name from
	// any step, in addition to the workflows of the loaded file. File
	// definitions shadow built-ins on name collision.
	BuiltInWorkflows map[string]*schema.WorkflowDefinition

	// AllowUnsafeCodeExecution enables persisted code steps and unlocks the
	// unsafe condition engines. Off by default; definitions are data, not
	// code, unless the embedder explicitly trusts them.
	AllowUnsafeCodeExecution bool

	// UnsafeConditionEngine selects a full expression language for
	// conditions: "expr" or "cel". Empty keeps the restricted safe grammar.
	// Ignored unless AllowUnsafeCodeExecution is set.
	UnsafeConditionEngine string

	Logger *slog.Logger
}

// Runner interprets the workflows of one parsed definition file. Safe for
// concurrent Run calls; compiled code, condition and schema artifacts are
// cached per runner.
type Runner struct {
	file *schema.WorkflowFile
	opts Options

	logger  *slog.Logger
	eval    *conditions.Evaluator
	outputs *validation.OutputValidator

	codeMu    sync.RWMutex
	codeCache map[string]*vm.Program

	jqMu    sync.RWMutex
	jqCache map[string]*gojq.Code
}

// New creates a Runner over an already parsed workflow file. The file and
// every built-in definition are structurally validated up front so Run never
// meets a malformed tree.
func New(file *schema.WorkflowFile, opts Options) (*Runner, error) {
	if file == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow file is nil")
	}
	if res := validation.ValidateFile(file); !res.Success {
		return nil, res.ToError()
	}
	for name, def := range opts.BuiltInWorkflows {
		if res := validation.ValidateDefinition(name, def); !res.Success {
			return nil, res.ToError()
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eval, err := buildEvaluator(opts, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		file:      file,
		opts:      opts,
		logger:    logger,
		eval:      eval,
		outputs:   validation.NewOutputValidator(),
		codeCache: make(map[string]*vm.Program),
		jqCache:   make(map[string]*gojq.Code),
	}, nil
}

// NewFromSource parses a YAML/JSON workflow definition and creates a Runner.
func NewFromSource(source []byte, opts Options) (*Runner, error) {
	file, res := validation.Parse(source)
	if !res.Success {
		return nil, res.ToError()
	}
	return New(file, opts)
}

// buildEvaluator wires the condition evaluator. Unsafe engines are gated
// twice: the engine name must be set and unsafe code execution must be
// allowed.
func buildEvaluator(opts Options, logger *slog.Logger) (*conditions.Evaluator, error) {
	if !opts.AllowUnsafeCodeExecution || opts.UnsafeConditionEngine == "" {
		return conditions.NewEvaluator(logger), nil
	}
	switch opts.UnsafeConditionEngine {
	case "expr":
		return conditions.NewUnsafeEvaluator(conditions.NewExprEngine(), logger), nil
	case "cel":
		engine, err := conditions.NewCELEngine()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "cannot initialize CEL engine: %v", err).WithCause(err)
		}
		return conditions.NewUnsafeEvaluator(engine, logger), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown condition engine %q (want \"expr\" or \"cel\")", opts.UnsafeConditionEngine)
	}
}

// Workflows lists the names of every runnable workflow, file definitions
// first, then built-ins not shadowed by the file.
func (r *Runner) Workflows() []string {
	names := make([]string, 0, len(r.file.Workflows)+len(r.opts.BuiltInWorkflows))
	for name := range r.file.Workflows {
		names = append(names, name)
	}
	for name := range r.opts.BuiltInWorkflows {
		if _, shadowed := r.file.Workflows[name]; !shadowed {
			names = append(names, name)
		}
	}
	return names
}

// invocation is the per-workflow-call execution frame. Sub-workflow calls get
// a fresh frame with their own state map.
type invocation struct {
	workflowID string
	def        *schema.WorkflowDefinition
	input      map[string]any
	state      map[string]any
	host       *HostContext
}

// RunResult describes one completed workflow run.
type RunResult struct {
	RunID      string
	WorkflowID string
	Output     any
	Duration   time.Duration
}

// Execute runs a named workflow to completion and returns the structured run
// result. The output is the state value under the definition's output key, or
// the full state map when no output key is declared.
func (r *Runner) Execute(ctx context.Context, workflowID string, input map[string]any, host *HostContext) (*RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	r.logger.InfoContext(ctx, "workflow run starting",
		slog.String("workflow_id", workflowID))

	out, err := r.runWorkflow(ctx, workflowID, input, nil, host)
	if err != nil {
		r.logger.ErrorContext(ctx, "workflow run failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
		return nil, err
	}

	r.logger.InfoContext(ctx, "workflow run finished",
		slog.String("workflow_id", workflowID),
		slog.Duration("duration", time.Since(start)))

	return &RunResult{
		RunID:      runID,
		WorkflowID: workflowID,
		Output:     out,
		Duration:   time.Since(start),
	}, nil
}

// Run is Execute without the run metadata: it returns the workflow output
// alone.
func (r *Runner) Run(ctx context.Context, workflowID string, input map[string]any, host *HostContext) (any, error) {
	res, err := r.Execute(ctx, workflowID, input, host)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// runWorkflow executes one workflow frame. inheritedState, when non-nil, is
// shallow-copied into the child frame: sub-workflows see the caller's state
// snapshot but their writes never flow back.
func (r *Runner) runWorkflow(ctx context.Context, workflowID string, rawInput map[string]any, inheritedState map[string]any, host *HostContext) (any, error) {
	def, err := r.resolveWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	input, err := r.validateInputs(workflowID, def, rawInput)
	if err != nil {
		return nil, err
	}

	state := make(map[string]any, len(inheritedState))
	for k, v := range inheritedState {
		state[k] = v
	}

	inv := &invocation{
		workflowID: workflowID,
		def:        def,
		input:      input,
		state:      state,
		host:       host,
	}

	ctx = logging.WithWorkflowID(ctx, workflowID)

	var last any
	sig, err := r.executeSteps(ctx, inv, def.Steps, 0, &last)
	if err != nil {
		return nil, err
	}
	if sig != signalNone {
		// Unreachable with validated definitions; executeStep rejects
		// break/continue at loop depth zero.
		return nil, schema.NewError(schema.ErrCodeExecution, "control-flow signal escaped the workflow body").
			WithWorkflow(workflowID)
	}

	if def.Output != "" {
		return state[def.Output], nil
	}
	return state, nil
}

// resolveWorkflow finds a definition by name, file first, then built-ins.
func (r *Runner) resolveWorkflow(workflowID string) (*schema.WorkflowDefinition, error) {
	if def, ok := r.file.Workflows[workflowID]; ok {
		return def, nil
	}
	if def, ok := r.opts.BuiltInWorkflows[workflowID]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID).
		WithWorkflow(workflowID)
}

// validateInputs applies declared defaults and reports every missing input in
// one aggregated error. A workflow with no declared inputs passes the caller's
// map through untouched.
func (r *Runner) validateInputs(workflowID string, def *schema.WorkflowDefinition, raw map[string]any) (map[string]any, error) {
	if len(def.Inputs) == 0 {
		if raw == nil {
			return map[string]any{}, nil
		}
		return raw, nil
	}

	validated := make(map[string]any, len(raw)+len(def.Inputs))
	for k, v := range raw {
		validated[k] = v
	}

	var missing []string
	for _, in := range def.Inputs {
		if v, ok := validated[in.ID]; ok && v != nil {
			continue
		}
		if in.Default != nil {
			validated[in.ID] = in.Default
			continue
		}
		if in.Description != "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", in.ID, in.Description))
		} else {
			missing = append(missing, in.ID)
		}
	}

	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInput,
			"missing required inputs: %s", strings.Join(missing, ", ")).
			WithWorkflow(workflowID).
			WithDetails(map[string]any{"missing": missing})
	}
	return validated, nil
}

// runSubWorkflow re-enters the interpreter for a nested workflow call. The
// child's raw input is caller input, then caller state, then explicit call
// input, later sources winning. The child inherits a snapshot of the caller's
// state.
func (r *Runner) runSubWorkflow(ctx context.Context, inv *invocation, workflowID string, callInput map[string]any) (any, error) {
	merged := make(map[string]any, len(inv.input)+len(inv.state)+len(callInput))
	for k, v := range inv.input {
		merged[k] = v
	}
	for k, v := range inv.state {
		merged[k] = v
	}
	for k, v := range callInput {
		merged[k] = v
	}
	return r.runWorkflow(ctx, workflowID, merged, inv.state, inv.host)
}
