package conditions

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowlet/flowlet/pkg/schema"
)

// EvaluateSafe evaluates a restricted-grammar boolean condition over input.*
// and state.* property paths. The grammar, lowest to highest precedence:
//
//	||  &&  (=== !== == != >= <= > <)  !  (...)  atom
//
// where an atom is a string, number, boolean or null literal, or a dotted
// input./state. property path. Binary operators split at the first top-level
// occurrence (outside parentheses and string literals), recursing into both
// sides.
//
// ==/!= (and ===/!==) use identity comparison in the style of Object.is, not
// type-coercing or deep equality. This is a deliberate contract: NaN equals
// NaN, 0 does not equal -0, and maps/slices are equal only when they are the
// same underlying reference.
func EvaluateSafe(condition string, input, state map[string]any) (bool, error) {
	v, err := evalExpr(condition, input, state)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

var numberRe = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// comparisonOps in scan order: longer operators first so "===" is never
// misread as "==" followed by "=".
var comparisonOps = []string{"===", "!==", ">=", "<=", "==", "!=", ">", "<"}

func evalExpr(expr string, input, state map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeCondition, "empty condition expression")
	}

	// Logical OR, then AND: lower precedence splits first (outermost).
	if idx := indexTopLevel(expr, "||"); idx >= 0 {
		left, err := evalExpr(expr[:idx], input, state)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := evalExpr(expr[idx+2:], input, state)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	if idx := indexTopLevel(expr, "&&"); idx >= 0 {
		left, err := evalExpr(expr[:idx], input, state)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := evalExpr(expr[idx+2:], input, state)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	// Comparisons.
	if idx, op := indexTopLevelAny(expr, comparisonOps); idx >= 0 {
		left, err := evalExpr(expr[:idx], input, state)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(expr[idx+len(op):], input, state)
		if err != nil {
			return nil, err
		}
		return compare(op, left, right)
	}

	// Unary negation.
	if strings.HasPrefix(expr, "!") {
		inner, err := evalExpr(expr[1:], input, state)
		if err != nil {
			return nil, err
		}
		return !Truthy(inner), nil
	}

	// Parenthesized group.
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && parenWrapsWhole(expr) {
		return evalExpr(expr[1:len(expr)-1], input, state)
	}

	return evalAtom(expr, input, state)
}

// evalAtom resolves a literal or property path.
func evalAtom(expr string, input, state map[string]any) (any, error) {
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}

	if numberRe.MatchString(expr) {
		n, err := strconv.ParseFloat(expr, 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCondition, "invalid number literal %q", expr)
		}
		return n, nil
	}

	if len(expr) >= 2 && expr[0] == '"' && expr[len(expr)-1] == '"' {
		var s string
		if err := json.Unmarshal([]byte(expr), &s); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCondition, "invalid string literal %s: %v", expr, err)
		}
		return s, nil
	}

	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		return decodeSingleQuoted(expr)
	}

	if expr == "input" || strings.HasPrefix(expr, "input.") {
		return resolvePath(expr, "input", input), nil
	}
	if expr == "state" || strings.HasPrefix(expr, "state.") {
		return resolvePath(expr, "state", state), nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeCondition,
		"unrecognized expression %q: expected a string, number, boolean or null literal, or an input.*/state.* property path", expr)
}

// decodeSingleQuoted normalizes a single-quoted literal to JSON string syntax
// so both quote styles share one escape semantics: unescape \' and \", then
// re-escape double quotes and decode as a JSON string.
func decodeSingleQuoted(expr string) (any, error) {
	inner := expr[1 : len(expr)-1]
	inner = strings.ReplaceAll(inner, `\'`, `'`)
	inner = strings.ReplaceAll(inner, `\"`, `"`)
	inner = strings.ReplaceAll(inner, `"`, `\"`)

	var s string
	if err := json.Unmarshal([]byte(`"`+inner+`"`), &s); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "invalid string literal %s: %v", expr, err)
	}
	return s, nil
}

// resolvePath walks a dotted property path over a map tree. Missing keys and
// traversal into non-map values yield nil, mirroring undefined access.
func resolvePath(expr, root string, data map[string]any) any {
	if expr == root {
		return data
	}
	var cur any = data
	for _, part := range strings.Split(strings.TrimPrefix(expr, root+"."), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// indexTopLevel finds the first occurrence of op outside parentheses and
// string literals, or -1.
func indexTopLevel(expr, op string) int {
	idx, _ := indexTopLevelAny(expr, []string{op})
	return idx
}

// indexTopLevelAny scans left to right and returns the first position where
// any of ops matches at paren depth zero outside string literals, preferring
// the longest operator at that position. The scan is quote-aware for both
// quote styles and honors backslash escapes.
func indexTopLevelAny(expr string, ops []string) (int, string) {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]

		if quote != 0 {
			if c == '\\' {
				i++ // skip escaped character
			} else if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '"', '\'':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}

		if depth != 0 {
			continue
		}
		for _, op := range ops {
			if strings.HasPrefix(expr[i:], op) {
				return i, op
			}
		}
	}
	return -1, ""
}

// parenWrapsWhole reports whether the opening paren at position 0 matches the
// closing paren at the end, i.e. the whole expression is one group.
func parenWrapsWhole(expr string) bool {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i == len(expr)-1
			}
		}
	}
	return false
}

// compare applies a comparison operator. Equality is identity-style for all
// four operators; ordering requires both sides numeric or both strings.
func compare(op string, left, right any) (any, error) {
	switch op {
	case "===", "==":
		return identical(left, right), nil
	case "!==", "!=":
		return !identical(left, right), nil
	}

	if ln, lok := toNumber(left); lok {
		rn, rok := toNumber(right)
		if !rok {
			return nil, schema.NewErrorf(schema.ErrCodeCondition,
				"cannot order-compare number with %T", right)
		}
		switch op {
		case ">":
			return ln > rn, nil
		case "<":
			return ln < rn, nil
		case ">=":
			return ln >= rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}

	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, schema.NewErrorf(schema.ErrCodeCondition,
				"cannot order-compare string with %T", right)
		}
		switch op {
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeCondition,
		"operator %s requires numbers or strings, got %T and %T", op, left, right)
}

// identical implements Object.is-style identity: NaN equals NaN, zero and
// negative zero differ, composite values are equal only by reference.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if an, aok := toNumber(a); aok {
		bn, bok := toNumber(b)
		if !bok {
			return false
		}
		if math.IsNaN(an) && math.IsNaN(bn) {
			return true
		}
		if an == 0 && bn == 0 {
			return math.Signbit(an) == math.Signbit(bn)
		}
		return an == bn
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}

	// Maps and slices: reference identity only, never deep equality.
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Map:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}
	return false
}

// toNumber widens any numeric Go value to float64. Conditions only ever
// produce float64, but state values written by code steps may be int.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Truthy applies loose truthiness: nil and empty strings are false, numbers
// are false when zero or NaN, composites are always true.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := toNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	return true
}
