package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/maestro/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const graphSchemaURL = "https://maestro.dev/schemas/graph.json"

// graphSchemaJSON is the JSON Schema for GraphDefinition documents.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://maestro.dev/schemas/graph.json",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "name": { "type": "string" },
    "tasks": {
      "type": "array",
      "items": { "$ref": "#/$defs/task" }
    },
    "budget": { "type": "integer", "minimum": 0 },
    "concurrency": { "type": "integer", "minimum": 0 },
    "adaptation": {
      "type": "string",
      "enum": ["defer", "simplify", "abort"]
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "capability": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "tags": { "type": "array", "items": { "type": "string" } },
        "attributes": { "type": "object" }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "capability": { "$ref": "#/$defs/capability" },
        "input": { "type": "object" },
        "budget": { "type": "integer", "minimum": 0 },
        "retry": { "$ref": "#/$defs/retry" },
        "fallback": {
          "type": "object",
          "properties": {
            "capability": { "$ref": "#/$defs/capability" }
          },
          "additionalProperties": false
        },
        "simplified": {
          "type": "object",
          "properties": {
            "description": { "type": "string" },
            "capability": { "$ref": "#/$defs/capability" },
            "input": { "type": "object" },
            "budget": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "compensation": {
          "type": "object",
          "properties": {
            "capability": { "$ref": "#/$defs/capability" },
            "input": { "type": "object" }
          },
          "additionalProperties": false
        },
        "heartbeat_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "jitter": { "type": "number", "minimum": 0, "maximum": 1 },
        "retry_if": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// DocumentValidator checks graph documents and task inputs against JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type DocumentValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewDocumentValidator creates a DocumentValidator with the graph schema pre-compiled.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &DocumentValidator{
		graphSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded graph document (as produced by a JSON
// or YAML decoder) against the graph schema.
func (v *DocumentValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph document is empty")
	}
	jv, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph document").WithCause(err)
	}
	if err := v.graphSchema.Validate(jv); err != nil {
		return toMaestroError(err)
	}
	return nil
}

// ValidateDefinition validates a typed GraphDefinition against the graph schema.
func (v *DocumentValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	return v.ValidateDocument(def)
}

// ValidateInput validates task input against a JSON Schema provided as raw
// bytes. Compiled schemas are cached by their source text.
func (v *DocumentValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toMaestroError(err)
	}
	return nil
}

// CheckSchema reports whether inputSchema compiles.
func (v *DocumentValidator) CheckSchema(inputSchema []byte) error {
	if _, err := v.getOrCompile(inputSchema); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *DocumentValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("maestro://input-schema/%d", len(v.cache))

	// Fresh compiler per dynamic schema so resource URLs never collide.
	c := newCompiler()
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

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toMaestroError converts a jsonschema.ValidationError into a MaestroError
// whose details list every leaf violation with its instance location.
func toMaestroError(err error) *schema.MaestroError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
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
