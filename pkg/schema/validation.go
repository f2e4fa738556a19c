package schema

import "fmt"

// ValidationIssue is a single definition problem with location context.
// Path is "workflowName" or "workflowName/stepID".
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s %s", i.Path, i.Message)
}

// ValidationResult aggregates all issues found while parsing and validating a
// workflow file. Definition errors are collected, never thrown mid-parse; the
// caller decides whether to proceed.
type ValidationResult struct {
	Success bool              `json:"success"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

// AddError appends an issue and marks the result unsuccessful.
func (r *ValidationResult) AddError(path, format string, args ...any) {
	r.Success = false
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Merge combines another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if !other.Success {
		r.Success = false
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// Messages returns the flat list of human-readable error strings.
func (r *ValidationResult) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return msgs
}

// ToError converts the result to a FlowError if invalid, nil otherwise.
func (r *ValidationResult) ToError() error {
	if r.Success {
		return nil
	}
	msg := "workflow definition is invalid"
	if len(r.Errors) == 1 {
		msg = r.Errors[0].String()
	} else if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow definition has %d errors", len(r.Errors))
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"errors": r.Messages()})
}
