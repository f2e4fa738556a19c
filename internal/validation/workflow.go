package validation

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowlet/flowlet/pkg/schema"
)

// Parse deserializes a textual workflow definition (YAML; JSON is a subset)
// and runs structural validation. Errors never escape as panics or thrown
// values: a failed parse yields a nil file and a result carrying every
// collected error.
func Parse(source []byte) (*schema.WorkflowFile, *schema.ValidationResult) {
	result := &schema.ValidationResult{Success: true}

	var file schema.WorkflowFile
	if err := yaml.Unmarshal(source, &file); err != nil {
		result.AddError("", "failed to parse workflow file: %v", err)
		return nil, result
	}

	result.Merge(ValidateFile(&file))
	if !result.Success {
		return nil, result
	}
	return &file, result
}

// ValidateFile runs structural validation over every workflow in the file.
// All errors are collected, not short-circuited.
func ValidateFile(file *schema.WorkflowFile) *schema.ValidationResult {
	result := &schema.ValidationResult{Success: true}

	if file == nil || len(file.Workflows) == 0 {
		result.AddError("", "workflow file declares no workflows")
		return result
	}

	for name, def := range file.Workflows {
		validateDefinition(name, def, result)
	}
	return result
}

// ValidateDefinition validates one standalone workflow definition, e.g. a
// runner built-in that does not live in a workflow file.
func ValidateDefinition(name string, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{Success: true}
	validateDefinition(name, def, result)
	return result
}

// validateDefinition checks a single workflow: non-empty steps and
// break/continue placement. The inLoop flag starts false for each workflow;
// sub-workflow bodies are separate workflows, so loop context never crosses a
// workflow boundary.
func validateDefinition(name string, def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	if def == nil {
		result.AddError(name, "has no definition")
		return
	}
	if len(def.Steps) == 0 {
		result.AddError(name, "has no steps")
		return
	}
	validateSteps(name, def.Steps, false, result)
}

// validateSteps walks a step list at one nesting depth. inLoop is true once
// inside a while body and is preserved across if/else and try/catch
// boundaries.
func validateSteps(workflowName string, steps []*schema.StepNode, inLoop bool, result *schema.ValidationResult) {
	for i, step := range steps {
		if step == nil {
			result.AddError(workflowName, "step %d is empty", i)
			continue
		}

		path := fmt.Sprintf("%s/%s", workflowName, stepLabel(step, i))

		if err := checkSingleKind(step); err != "" {
			result.AddError(path, "%s", err)
		}

		switch step.Kind() {
		case schema.StepKindBreak, schema.StepKindContinue:
			if !inLoop {
				result.AddError(path, "has break/continue outside of a loop")
			}

		case schema.StepKindWhile:
			if step.ID == "" {
				result.AddError(path, "while step is missing an id")
			}
			if step.While.Condition == "" {
				result.AddError(path, "while step is missing a condition")
			}
			if len(step.While.Steps) == 0 {
				result.AddError(path, "while step has no body steps")
			}
			validateSteps(workflowName, step.While.Steps, true, result)

		case schema.StepKindIf:
			if step.ID == "" {
				result.AddError(path, "if step is missing an id")
			}
			if step.If.Condition == "" {
				result.AddError(path, "if step is missing a condition")
			}
			if len(step.If.Then) == 0 {
				result.AddError(path, "if step has no then branch")
			}
			validateSteps(workflowName, step.If.Then, inLoop, result)
			validateSteps(workflowName, step.If.Else, inLoop, result)

		case schema.StepKindTry:
			if step.ID == "" {
				result.AddError(path, "try step is missing an id")
			}
			if len(step.Try.Steps) == 0 {
				result.AddError(path, "try step has no try steps")
			}
			if len(step.Try.Catch) == 0 {
				result.AddError(path, "try step has no catch steps")
			}
			validateSteps(workflowName, step.Try.Steps, inLoop, result)
			validateSteps(workflowName, step.Try.Catch, inLoop, result)

		case schema.StepKindTask:
			if step.ID == "" {
				result.AddError(path, "task step is missing an id")
			}
			if step.Task == "" && step.Code == "" {
				result.AddError(path, "task step needs a task description or code")
			}
		}
	}
}

// checkSingleKind verifies the tagged union holds exactly one variant.
// Returns an error message or "".
func checkSingleKind(step *schema.StepNode) string {
	kinds := 0
	if step.While != nil {
		kinds++
	}
	if step.If != nil {
		kinds++
	}
	if step.Try != nil {
		kinds++
	}
	if step.Break {
		kinds++
	}
	if step.Continue {
		kinds++
	}
	if kinds > 1 {
		return "mixes multiple step kinds; a step is exactly one of task, while, if, try, break, continue"
	}
	if kinds == 1 && (step.Task != "" || step.Code != "") {
		return "control-flow step cannot also carry task/code fields"
	}
	return ""
}

// stepLabel names a step for error paths, falling back to its index for
// id-less break/continue markers.
func stepLabel(step *schema.StepNode, index int) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("step[%d]", index)
}
