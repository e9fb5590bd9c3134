package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/scheduler"
)

func newArchiveCmd(c *cli) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive terminal workflows older than the retention window",
		Long: `Archive runs one archival pass immediately. Archived workflows keep their
event logs and remain readable by status, events and replay.

serve runs the same pass on the archive.schedule cron expression.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			acfg := c.cfg.archiverConfig()
			acfg.Logger = c.logger
			if retention > 0 {
				acfg.Retention = retention
			}
			archiver, err := scheduler.NewArchiver(s, acfg)
			if err != nil {
				return err
			}
			n, err := archiver.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d workflows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override archive.retention for this run")
	return cmd
}
