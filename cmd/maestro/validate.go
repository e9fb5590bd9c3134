package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/pkg/schema"
)

func newValidateCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a task graph without running it",
		Long: `Validate loads a YAML or JSON task graph and reports every structural and
graph error (cycles, dangling dependencies, empty graphs) plus warnings.
Use "-" to read the graph from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, result, err := loadGraphFile(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, map[string]any{
					"valid":    result.Valid(),
					"errors":   result.Errors,
					"warnings": result.Warnings,
				}); err != nil {
					return err
				}
			} else {
				printIssues(cmd, "warning", result.Warnings)
				printIssues(cmd, "error", result.Errors)
				if result.Valid() {
					fmt.Fprintf(out, "ok: %s (%d tasks)\n", def.Name, len(def.Tasks))
				}
			}
			if !result.Valid() {
				return fmt.Errorf("graph has %d errors", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the validation result as JSON")
	return cmd
}

// loadGraphFile reads and validates a graph, choosing the format from the
// file extension. Decode failures are returned as errors; validation issues
// are left in the result.
func loadGraphFile(cmd *cobra.Command, path string) (*schema.GraphDefinition, *schema.ValidationResult, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, nil, err
	}
	gv, err := validation.NewGraphValidator()
	if err != nil {
		return nil, nil, err
	}
	return gv.LoadGraph(data, validation.FormatFromPath(path))
}

func printIssues(cmd *cobra.Command, label string, issues []schema.ValidationIssue) {
	for _, is := range issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %s (%s)\n", label, is.Path, is.Message, is.Code)
	}
}
