package validation

import "github.com/rendis/maestro/pkg/schema"

// Validator checks graph definitions for correctness before execution.
type Validator interface {
	Validate(def *schema.GraphDefinition) *schema.ValidationResult
	ValidateInput(input map[string]any, inputSchema []byte) error
}

var _ Validator = (*GraphValidator)(nil)
