package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowlet/flowlet/pkg/schema"
)

// OutputValidator checks step results against declared outputSchema blocks
// (JSON Schema Draft 2020-12). Compiled schemas are cached per serialized
// schema so repeated sub-workflow calls don't recompile.
// Safe for concurrent use.
type OutputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewOutputValidator creates an empty OutputValidator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks a step result against the step's outputSchema. A mismatch
// yields a SCHEMA_ERROR aggregating every field-level violation (path plus
// message). A nil or empty schema validates everything.
func (v *OutputValidator) Validate(result any, outputSchema map[string]any) error {
	if len(outputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema, "invalid output schema: %v", err).WithCause(err)
	}

	doc, err := toJSONValue(result)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchema, "failed to serialize step output for validation").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *OutputValidator) getOrCompile(outputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(outputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("flowlet://output-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so that numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a FlowError with
// one entry per field-level violation.
func toSchemaError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeSchema, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeSchema, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("output failed schema validation with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeSchema, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
