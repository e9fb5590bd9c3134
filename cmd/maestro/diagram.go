package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/diagram"
	"github.com/rendis/maestro/internal/store"
)

func newDiagramCmd(c *cli) *cobra.Command {
	var (
		format     string
		workflowID string
	)
	cmd := &cobra.Command{
		Use:   "diagram <file>",
		Short: "Render a task graph as a Mermaid flowchart or ASCII boxes",
		Long: `Diagram draws the dependency graph of a task graph file. With --workflow the
nodes are coloured with the state replayed from that workflow's event log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, result, err := loadGraphFile(cmd, args[0])
			if err != nil {
				return err
			}
			if !result.Valid() {
				printIssues(cmd, "error", result.Errors)
				return fmt.Errorf("graph has %d errors", len(result.Errors))
			}

			var state *store.ReplayState
			if workflowID != "" {
				s, err := openStore(cmd.Context(), c.cfg)
				if err != nil {
					return err
				}
				defer s.Close()
				if state, err = store.NewEventLog(s).Replay(cmd.Context(), workflowID); err != nil {
					return err
				}
			}

			model, err := diagram.Build(def, state)
			if err != nil {
				return err
			}
			switch format {
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			default:
				return fmt.Errorf("unknown format %q: must be mermaid or ascii", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "overlay the replayed state of this workflow")
	return cmd
}
