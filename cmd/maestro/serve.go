package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/maestro/internal/scheduler"
	"github.com/rendis/maestro/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio",
		Long: `Serve exposes maestro.run, maestro.status, maestro.cancel, maestro.events,
maestro.validate and maestro.workers to an MCP client over stdin/stdout.

The archiver runs on archive.schedule, and /metrics is served on
metrics_addr when it is set. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c.cfg, c.logger)
		},
	}
}

// serve runs the MCP server, the archiver and the metrics endpoint until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewMaestroServer(mcp.MaestroServerDeps{
		Engine: a.engine,
		Store:  a.store,
		Events: a.events,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	acfg := cfg.archiverConfig()
	acfg.Logger = logger
	archiver, err := scheduler.NewArchiver(a.store, acfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Closing stdin ends the session, which stops the other members.
	g.Go(func() error {
		defer cancel()
		defer srv.Wait()
		err := srv.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := archiver.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return archiver.Stop()
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("maestro serving", slog.String("transport", "stdio"), slog.String("db", cfg.DBPath))
	return g.Wait()
}
