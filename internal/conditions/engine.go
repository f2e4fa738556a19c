package conditions

import "context"

// Engine evaluates raw condition strings in unsafe mode, where trusted
// definitions may use a full expression language instead of the restricted
// safe grammar. Two implementations: Expr (default) and CEL.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
