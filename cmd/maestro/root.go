package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/logging"
)

// cli carries state shared by every command once flags are parsed.
type cli struct {
	configPath string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "maestro",
		Short: "Budget-aware task graph orchestrator",
		Long: `Maestro executes task graphs across registered workers under a shared budget.

Each task is dispatched once its dependencies complete. Failures are retried
with backoff, handed to a fallback worker, and finally compensated in reverse
order. Every transition is appended to a durable event log that can be
queried and replayed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(c.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "settings file (default ~/.maestro/settings.yaml)")
	pf.String("db", "", "database path (default ~/.maestro/maestro.db)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Int("pool-size", 0, "max concurrent handle waiters")
	pf.String("metrics-addr", "", "address for the /metrics endpoint in serve")
	pf.String("isolation", "", "worker process isolation: process or group")

	root.AddCommand(
		newValidateCmd(c),
		newRunCmd(c),
		newStatusCmd(c),
		newEventsCmd(c),
		newReplayCmd(c),
		newWorkersCmd(c),
		newArchiveCmd(c),
		newServeCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
