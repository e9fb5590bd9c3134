package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/pkg/schema"
)

// Format identifies the encoding of a graph document.
type Format string

const (
	FormatAuto Format = ""
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath infers the document format from a file extension.
func FormatFromPath(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return FormatYAML
	default:
		return FormatAuto
	}
}

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (field constraints, durations, retry predicates)
// 3. DAG (empty graph, ids, dangling dependencies, cycles)
type GraphValidator struct {
	document *DocumentValidator
	fields   *validator.Validate
	exprs    *expressions.ExprEngine
}

// NewGraphValidator creates a GraphValidator with the graph schema compiled.
func NewGraphValidator() (*GraphValidator, error) {
	dv, err := NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		document: dv,
		fields:   validator.New(validator.WithRequiredStructEnabled()),
		exprs:    expressions.NewExprEngine(),
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil || len(def.Tasks) == 0 {
		addGraphError(result, ValidateGraph(def))
		return result
	}

	// Stage 1: Structural.
	result.Merge(issuesFromError(gv.document.ValidateDefinition(def)))
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(gv.validateSemantic(def))

	// Stage 3: DAG.
	if result.Valid() {
		addGraphError(result, ValidateGraph(def))
	}
	return result
}

// ValidateInput delegates to the underlying DocumentValidator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.document.ValidateInput(input, inputSchema)
}

// LoadGraph decodes a YAML or JSON graph document, checks it against the
// graph schema, and runs the full validation pipeline on the decoded
// definition. The returned error is non-nil only when the document could not
// be decoded at all; validation problems are reported in the result. def is
// returned whenever the document decoded, even if the result has errors.
func (gv *GraphValidator) LoadGraph(data []byte, format Format) (*schema.GraphDefinition, *schema.ValidationResult, error) {
	raw, err := decodeDocument(data, format)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "cannot decode graph document").WithCause(err)
	}

	result := issuesFromError(gv.document.ValidateDocument(raw))
	if !result.Valid() {
		return nil, result, nil
	}

	def, err := toDefinition(raw)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "cannot decode graph definition").WithCause(err)
	}

	result.Merge(gv.Validate(def))
	return def, result, nil
}

// LoadGraph is a convenience wrapper that builds a GraphValidator and loads
// data. Validation failures are returned as an error: the typed
// *schema.ValidationError for DAG problems, a *schema.MaestroError otherwise.
func LoadGraph(data []byte, format Format) (*schema.GraphDefinition, *schema.ValidationResult, error) {
	gv, err := NewGraphValidator()
	if err != nil {
		return nil, nil, err
	}
	def, result, err := gv.LoadGraph(data, format)
	if err != nil {
		return nil, nil, err
	}
	if !result.Valid() {
		return nil, result, resultError(def, result)
	}
	return def, result, nil
}

func decodeDocument(data []byte, format Format) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	var doc any
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		// YAML is a superset of JSON, so auto-detection can use it directly.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("graph document must be a mapping, got %T", doc)
	}
	return doc, nil
}

func toDefinition(raw any) (*schema.GraphDefinition, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.GraphDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// validateSemantic checks constraints the JSON Schema cannot express and
// collects warnings for graphs that are valid but suspicious.
func (gv *GraphValidator) validateSemantic(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := gv.fields.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				result.AddError(fe.Namespace(), schema.ErrCodeValidation,
					fmt.Sprintf("field %s failed %q constraint", fe.Field(), fe.Tag()))
			}
		} else {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
		}
	}

	simplifiable := false
	for i := range def.Tasks {
		t := &def.Tasks[i]
		path := fmt.Sprintf("tasks[%d]", i)

		if def.Budget > 0 && t.Budget > def.Budget {
			result.AddWarning(path+".budget", schema.ErrCodeBudgetExhausted,
				fmt.Sprintf("task %q budget %d exceeds workflow budget %d and can never be reserved", t.ID, t.Budget, def.Budget))
		}

		if t.Retry != nil {
			base, baseOK := parseDuration(result, path+".retry.base_delay", t.Retry.BaseDelay)
			maxd, maxOK := parseDuration(result, path+".retry.max_delay", t.Retry.MaxDelay)
			if baseOK && maxOK && base > 0 && maxd > 0 && maxd < base {
				result.AddWarning(path+".retry.max_delay", schema.ErrCodeValidation,
					fmt.Sprintf("max_delay %s is below base_delay %s; every retry waits max_delay", maxd, base))
			}
			if t.Retry.RetryIf != "" {
				if err := gv.exprs.Check(t.Retry.RetryIf); err != nil {
					result.AddError(path+".retry.retry_if", schema.ErrCodeValidation, err.Error())
				}
			}
		}
		parseDuration(result, path+".heartbeat_timeout", t.HeartbeatTimeout)

		if t.Simplified != nil {
			simplifiable = true
			if t.Simplified.Budget >= t.Budget && t.Budget > 0 {
				result.AddWarning(path+".simplified.budget", schema.ErrCodeValidation,
					fmt.Sprintf("simplified variant of %q does not reduce its budget", t.ID))
			}
		}

		if t.Compensation != nil && t.Compensation.Capability == nil {
			result.AddWarning(path+".compensation.capability", schema.ErrCodeCompensation,
				fmt.Sprintf("compensation for %q has no capability; the task capability is reused", t.ID))
		}

		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if seen[dep] {
				result.AddWarning(path+".depends_on", schema.ErrCodeValidation,
					fmt.Sprintf("task %q lists dependency %q more than once", t.ID, dep))
			}
			seen[dep] = true
		}
	}

	if def.Adaptation == schema.AdaptationSimplify && !simplifiable {
		result.AddWarning("adaptation", schema.ErrCodeValidation,
			"adaptation policy is simplify but no task declares a simplified variant; denials will defer")
	}

	return result
}

func parseDuration(result *schema.ValidationResult, path, value string) (time.Duration, bool) {
	if value == "" {
		return 0, true
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", value))
		return 0, false
	}
	if d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("negative duration %q", value))
		return 0, false
	}
	return d, true
}

// issuesFromError converts a structural validation error into result issues.
func issuesFromError(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var mErr *schema.MaestroError
	if !errors.As(err, &mErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := mErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			path, msg := "/", v
			if i := strings.Index(v, ": "); i > 0 {
				path, msg = v[:i], v[i+2:]
			}
			result.AddError(path, schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, mErr.Message)
	return result
}

// addGraphError records a DAG validation error, keeping the kind and nodes
// in the issue code and message.
func addGraphError(result *schema.ValidationResult, err error) {
	if err == nil {
		return
	}
	var vErr *schema.ValidationError
	if errors.As(err, &vErr) {
		result.AddError(graphErrorPath(vErr), string(vErr.Kind), vErr.Message)
		return
	}
	result.AddError("/", schema.ErrCodeValidation, err.Error())
}

func graphErrorPath(vErr *schema.ValidationError) string {
	if len(vErr.Nodes) == 0 {
		return "tasks"
	}
	return "tasks/" + strings.Join(vErr.Nodes, ",")
}

// resultError picks the most specific error for a failed result: the typed
// graph error when the DAG stage rejected it.
func resultError(def *schema.GraphDefinition, result *schema.ValidationResult) error {
	if def != nil {
		if err := ValidateGraph(def); err != nil {
			return err
		}
	}
	return result.ToError()
}
