package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/workers"
)

func newWorkersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Manage the worker registry",
	}
	cmd.AddCommand(newWorkersListCmd(c), newWorkersRegisterCmd(c))
	return cmd
}

func newWorkersListCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if list == nil {
					list = []*store.Worker{}
				}
				return printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCAPABILITIES\tTAGS\tLAST SEEN\tCOMMAND")
			for _, w := range list {
				seen := "-"
				if w.LastSeenAt != nil {
					seen = w.LastSeenAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.ID,
					strings.Join(w.Capabilities, ","), strings.Join(w.Tags, ","), seen, strings.Join(w.Command, " "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print workers as JSON")
	return cmd
}

func newWorkersRegisterCmd(c *cli) *cobra.Command {
	var w store.Worker
	cmd := &cobra.Command{
		Use:   "register [file]",
		Short: "Register or replace a worker",
		Long: `Register adds a worker to the registry, replacing any worker with the same ID.

The worker is read from a YAML or JSON file ("-" for stdin) with the fields
id, name, capabilities, tags, attributes, command and input_schema, or built
from flags:

  maestro workers register --id summarizer --capability summarize \
    --tag fast -- ./bin/summarize --model small`,
		RunE: func(cmd *cobra.Command, args []string) error {
			worker := &w
			dash := cmd.ArgsLenAtDash()
			switch {
			case dash >= 0:
				worker.Command = args[dash:]
			case len(args) == 1:
				data, err := readInput(cmd, args[0])
				if err != nil {
					return err
				}
				if worker, err = decodeWorker(data); err != nil {
					return err
				}
			case len(args) > 1:
				return fmt.Errorf("expected one worker file, got %d arguments", len(args))
			}

			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			registered, err := workers.Register(cmd.Context(), s, worker)
			if err != nil {
				return err
			}
			c.logger.Info("worker registered", "worker_id", registered.ID)
			return printJSON(cmd.OutOrStdout(), registered)
		},
	}
	f := cmd.Flags()
	f.StringVar(&w.ID, "id", "", "worker ID")
	f.StringVar(&w.Name, "name", "", "display name (default: the ID)")
	f.StringSliceVar(&w.Capabilities, "capability", nil, "capability the worker provides (repeatable)")
	f.StringSliceVar(&w.Tags, "tag", nil, "descriptor tag used for ranking (repeatable)")
	return cmd
}

// decodeWorker reads a worker from YAML or JSON. YAML is normalised to JSON
// first so the store's JSON field names apply to both.
func decodeWorker(data []byte) (*store.Worker, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode worker: %w", err)
	}
	normalised, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode worker: %w", err)
	}
	var w store.Worker
	if err := json.Unmarshal(normalised, &w); err != nil {
		return nil, fmt.Errorf("decode worker: %w", err)
	}
	return &w, nil
}
