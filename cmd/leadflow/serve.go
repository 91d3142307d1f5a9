package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/leadflow/internal/server"
	"github.com/jonathan/leadflow/internal/server/ratelimit"
)

// resumeScanLimit bounds how many recent runs serve inspects on startup.
const resumeScanLimit = 500

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server exposing run control, the progress event stream,
campaign sends and delivery webhooks. Runs interrupted by a previous shutdown
are resumed and channel deliveries left retrying are sent again when a
database is configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default 8080)")
	serveCmd.Flags().String("seed-file", "", "Seed file of businesses for discovery")
	serveCmd.Flags().String("export-dir", "", "Directory for run export documents")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	_ = v.BindPFlag("seed-file", cmd.Flags().Lookup("seed-file"))
	_ = v.BindPFlag("export-dir", cmd.Flags().Lookup("export-dir"))

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		a.Close(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		RateLimit:       ratelimit.LoadConfig(),
	}, server.Deps{
		Runs:      a.runs,
		Events:    a.bus,
		Campaigns: a.outreach,
		Webhooks:  a.webhooks,
		Reader:    a.store,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	resumeInterrupted(ctx, a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx, cfg.Run.Concurrency)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resumeInterrupted restarts every run a previous process left mid-flight.
// A run that fails to resume is logged and left for a manual resume.
func resumeInterrupted(ctx context.Context, a *app) {
	if a.database == nil {
		return
	}
	runs, err := a.store.ListRuns(ctx, resumeScanLimit)
	if err != nil {
		a.logger.Warn("failed to list runs for resume", zap.Error(err))
		return
	}
	for _, run := range runs {
		if run.Phase.IsTerminal() {
			continue
		}
		if err := a.runs.Resume(ctx, run.ID); err != nil {
			a.logger.Warn("failed to resume run", zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		a.logger.Info("resumed interrupted run",
			zap.String("run_id", run.ID.String()),
			zap.String("phase", string(run.Phase)),
		)
	}
}
