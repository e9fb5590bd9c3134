package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates expressions against a map of named values.
// Three implementations: CEL (capability matching), Expr (retry predicates),
// GoJQ (event payload filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Truthy reports whether an evaluation result should be read as "true".
// Nil, false, zero numbers, empty strings and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return fmt.Sprint(val) != ""
	}
}
