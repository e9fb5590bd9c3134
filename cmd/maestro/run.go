package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		workflowID string
		name       string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a task graph and print its result",
		Long: `Run validates a task graph, executes it against the registered workers and
blocks until it finishes. SIGINT or SIGTERM cancels the workflow
cooperatively: running tasks are stopped, completed work is compensated and
the workflow ends aborted.

The command exits non-zero unless the workflow completes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, result, err := loadGraphFile(cmd, args[0])
			if err != nil {
				return err
			}
			printIssues(cmd, "warning", result.Warnings)
			if !result.Valid() {
				printIssues(cmd, "error", result.Errors)
				return fmt.Errorf("graph has %d errors", len(result.Errors))
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if workflowID == "" {
				workflowID = uuid.NewString()
			}
			if name == "" {
				name = def.Name
			}
			ctx = logging.WithWorkflowID(ctx, workflowID)

			if follow {
				stop, err := followEvents(ctx, a.hub, workflowID, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer stop()
			}

			id, done, err := a.engine.Start(ctx, def, engine.RunOptions{WorkflowID: workflowID, Name: name})
			if err != nil {
				return err
			}
			res := awaitResult(ctx, a.engine, id, done, c.logger)
			if res == nil {
				return fmt.Errorf("workflow %s produced no result", id)
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status != schema.WorkflowStatusCompleted {
				return fmt.Errorf("workflow %s ended %s", id, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "id", "", "workflow ID (default: generated)")
	cmd.Flags().StringVar(&name, "name", "", "workflow name (default: the graph name)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events to stderr while the workflow runs")
	return cmd
}

// awaitResult waits for done, translating the first SIGINT or SIGTERM into
// a cooperative Cancel. A second signal is not intercepted.
func awaitResult(ctx context.Context, eng engine.Engine, id string, done <-chan *engine.WorkflowResult, logger *slog.Logger) *engine.WorkflowResult {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case res := <-done:
			return res
		case sig := <-sigs:
			logging.LogWith(ctx, logger).Warn("cancelling workflow", slog.String("signal", sig.String()))
			if err := eng.Cancel(context.WithoutCancel(ctx), id, "interrupted by "+sig.String()); err != nil {
				logger.Error("cancel failed", slog.String("error", err.Error()))
			}
			signal.Stop(sigs)
			sigs = nil
		}
	}
}

// followEvents prints events for workflowID as the event log publishes them.
func followEvents(ctx context.Context, hub streaming.EventHub, workflowID string, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for e := range ch {
			fmt.Fprintf(w, "%6d  %-22s %-16s %s\n", e.Sequence, e.Kind, e.TaskID, e.Payload)
		}
	}()
	return func() {
		cancel()
		<-finished
	}, nil
}
