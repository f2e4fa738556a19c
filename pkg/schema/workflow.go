package schema

// WorkflowFile is the top-level workflow definition document: a mapping from
// workflow name to definition. Parsed once, immutable afterwards. Referenced
// sub-workflow names are resolved lazily at execution time, so a definition
// may call workflows that live in the runner's built-in table instead.
type WorkflowFile struct {
	Workflows map[string]*WorkflowDefinition `yaml:"workflows" json:"workflows"`
}

// WorkflowDefinition describes one named workflow: a task summary, declared
// inputs with optional defaults, an ordered step list, and an optional output
// key. When Output is set, running the workflow returns state[Output] instead
// of the full state map.
type WorkflowDefinition struct {
	Task   string      `yaml:"task" json:"task"`
	Inputs []InputDef  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps  []*StepNode `yaml:"steps" json:"steps"`
	Output string      `yaml:"output,omitempty" json:"output,omitempty"`
}

// InputDef declares a workflow input. At invocation a provided value wins over
// Default; if neither exists, input validation fails.
type InputDef struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// StepKind discriminates the step union.
type StepKind string

const (
	StepKindTask     StepKind = "task"
	StepKindWhile    StepKind = "while"
	StepKindIf       StepKind = "if"
	StepKindTry      StepKind = "try"
	StepKindBreak    StepKind = "break"
	StepKindContinue StepKind = "continue"
)

// StepNode is a tagged union: exactly one of the task fields, While, If, Try,
// Break or Continue applies. Kind() reports which.
//
// Task steps carry either persisted Code (an expression-program body, executed
// only when the runner allows unsafe code execution) or are delegated to
// agent execution with the allow-listed Tools.
type StepNode struct {
	ID              string         `yaml:"id,omitempty" json:"id,omitempty"`
	Task            string         `yaml:"task,omitempty" json:"task,omitempty"`
	Tools           []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	Output          string         `yaml:"output,omitempty" json:"output,omitempty"`
	ExpectedOutcome string         `yaml:"expected_outcome,omitempty" json:"expected_outcome,omitempty"`
	Code            string         `yaml:"code,omitempty" json:"code,omitempty"`
	OutputSchema    map[string]any `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	TimeoutMs       int            `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	While *WhileClause `yaml:"while,omitempty" json:"while,omitempty"`
	If    *IfClause    `yaml:"if,omitempty" json:"if,omitempty"`
	Try   *TryClause   `yaml:"try,omitempty" json:"try,omitempty"`

	Break    bool `yaml:"break,omitempty" json:"break,omitempty"`
	Continue bool `yaml:"continue,omitempty" json:"continue,omitempty"`
}

// WhileClause is the body of a while-loop step.
type WhileClause struct {
	Condition string      `yaml:"condition" json:"condition"`
	Steps     []*StepNode `yaml:"steps" json:"steps"`
}

// IfClause is the body of an if/else step. Else may be empty.
type IfClause struct {
	Condition string      `yaml:"condition" json:"condition"`
	Then      []*StepNode `yaml:"then" json:"thenBranch"`
	Else      []*StepNode `yaml:"else,omitempty" json:"elseBranch,omitempty"`
}

// TryClause is the body of a try/catch step. Errors thrown while running
// Steps route into Catch; errors from Catch itself propagate.
type TryClause struct {
	Steps []*StepNode `yaml:"steps" json:"trySteps"`
	Catch []*StepNode `yaml:"catch" json:"catchSteps"`
}

// Kind reports which variant of the union this node is. Control-flow markers
// win over task fields so a malformed node that sets both is classified by
// its control-flow key (structural validation rejects such nodes anyway).
func (s *StepNode) Kind() StepKind {
	switch {
	case s.Break:
		return StepKindBreak
	case s.Continue:
		return StepKindContinue
	case s.While != nil:
		return StepKindWhile
	case s.If != nil:
		return StepKindIf
	case s.Try != nil:
		return StepKindTry
	default:
		return StepKindTask
	}
}

// OutputKey returns the state key this step's result is stored under:
// the explicit output name, falling back to the step ID. Empty for
// break/continue markers, which have no ID and store nothing.
func (s *StepNode) OutputKey() string {
	if s.Output != "" {
		return s.Output
	}
	return s.ID
}
