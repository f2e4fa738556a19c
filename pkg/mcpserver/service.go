package mcpserver

import (
	"context"
	"log/slog"

	"github.com/flowlet/flowlet/internal/engine"
	"github.com/flowlet/flowlet/internal/registry"
	"github.com/flowlet/flowlet/internal/validation"
	"github.com/flowlet/flowlet/pkg/schema"
)

// Service is the default WorkflowService: file workflows served by a base
// runner, registered workflows loaded from the registry and interpreted with
// the same options and host. Registered workflows see each other, so one may
// invoke another as a sub-workflow.
type Service struct {
	runner   *engine.Runner
	registry registry.Registry
	opts     engine.Options
	host     *engine.HostContext
	logger   *slog.Logger
}

// ServiceDeps holds the dependencies for creating a Service. Runner and
// Registry are each optional; a Service without both can still validate.
type ServiceDeps struct {
	Runner   *engine.Runner
	Registry registry.Registry
	Options  engine.Options
	Host     *engine.HostContext
	Logger   *slog.Logger
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:   deps.Runner,
		registry: deps.Registry,
		opts:     deps.Options,
		host:     deps.Host,
		logger:   logger,
	}
}

// Run executes a workflow by name: the base runner's workflows first, then
// the registry.
func (s *Service) Run(ctx context.Context, workflowID string, input map[string]any) (any, error) {
	if s.runner != nil && s.runnerHas(workflowID) {
		return s.runner.Run(ctx, workflowID, input, s.host)
	}
	if s.registry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID).
			WithWorkflow(workflowID)
	}

	file, err := s.registeredFile(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := file.Workflows[workflowID]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID).
			WithWorkflow(workflowID)
	}

	runner, err := engine.New(file, s.opts)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, workflowID, input, s.host)
}

// Validate parses and structurally validates a definition without running it.
func (s *Service) Validate(ctx context.Context, source string) *schema.ValidationResult {
	_, res := validation.Parse([]byte(source))
	return res
}

// Register validates a definition and stores it under name. The source must
// define the named workflow, or exactly one workflow which is then stored
// under name.
func (s *Service) Register(ctx context.Context, name, source string) error {
	if s.registry == nil {
		return schema.NewError(schema.ErrCodeConfig, "no workflow registry is configured")
	}

	file, res := validation.Parse([]byte(source))
	if !res.Success {
		return res.ToError()
	}

	def, ok := file.Workflows[name]
	if !ok {
		if len(file.Workflows) != 1 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"source does not define workflow %q; name one workflow %q or register a single-workflow file", name, name)
		}
		for _, only := range file.Workflows {
			def = only
		}
	}

	return s.registry.Put(ctx, &registry.StoredWorkflow{
		Name:       name,
		Source:     source,
		Definition: def,
	})
}

// List enumerates runnable workflow names: the base runner's, then registered
// ones not shadowed by them.
func (s *Service) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	if s.runner != nil {
		for _, name := range s.runner.Workflows() {
			seen[name] = true
			names = append(names, name)
		}
	}
	if s.registry != nil {
		stored, err := s.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, wf := range stored {
			if !seen[wf.Name] {
				names = append(names, wf.Name)
			}
		}
	}
	return names, nil
}

// Delete removes a registered workflow. Base-runner workflows are static and
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, name string) error {
	if s.registry == nil {
		return schema.NewError(schema.ErrCodeConfig, "no workflow registry is configured")
	}
	return s.registry.Delete(ctx, name)
}

func (s *Service) runnerHas(workflowID string) bool {
	for _, name := range s.runner.Workflows() {
		if name == workflowID {
			return true
		}
	}
	return false
}

// registeredFile assembles every stored definition into one workflow file so
// registered workflows can reference each other.
func (s *Service) registeredFile(ctx context.Context) (*schema.WorkflowFile, error) {
	stored, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	file := &schema.WorkflowFile{Workflows: make(map[string]*schema.WorkflowDefinition, len(stored))}
	for _, wf := range stored {
		file.Workflows[wf.Name] = wf.Definition
	}
	return file, nil
}

var _ WorkflowService = (*Service)(nil)
