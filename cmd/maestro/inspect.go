package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/store"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's status, tasks and budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newEventsCmd(c *cli) *cobra.Command {
	var (
		q      store.EventQuery
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events <workflow-id>",
		Short: "Print a workflow's event log in sequence order",
		Long: `Events pages through the append-only event log of a workflow.

--where takes a jq expression evaluated against
{kind, task_id, worker_id, sequence, timestamp, payload}; events for which it
yields a truthy value are printed. Example:

  maestro events wf-1 --where '.payload.consumed > 10'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			events := store.NewEventLog(s, store.WithEventLogger(c.logger))
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if !asJSON {
				fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tTASK\tWORKER\tPAYLOAD")
			}
			for e, err := range events.Query(cmd.Context(), args[0], q) {
				if err != nil {
					return err
				}
				if asJSON {
					if err := printJSON(out, e); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.Format("15:04:05.000"), e.Kind, e.TaskID, e.WorkerID, e.Payload)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&q.Kinds, "kind", nil, "only these event kinds (repeatable)")
	f.StringVar(&q.TaskID, "task", "", "only events for this task")
	f.StringVar(&q.Where, "where", "", "jq filter over each event")
	f.Int64Var(&q.AfterSeq, "since", 0, "only events after this sequence number")
	f.IntVar(&q.Limit, "limit", 0, "maximum events to print (0 = all)")
	f.BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <workflow-id>",
		Short: "Rebuild a workflow's task and ledger state from its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			state, err := store.NewEventLog(s, store.WithEventLogger(c.logger)).Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
}
