package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/observability"
	"github.com/jonathan/leadflow/internal/types"
)

// cancelGrace bounds how long a cancelled run may take to drain in-flight
// units before the command gives up waiting.
const cancelGrace = 2 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once and stream its progress",
	Long: `Run discovery, scoring, generation and outreach for one location and
niche, printing progress events as they happen. Ctrl-C cancels the run
cooperatively: in-flight work finishes and the run ends cancelled.`,
	Example: `  leadflow run --seed-file businesses.yaml --location "Austin, TX" --niche plumbers
  leadflow run --config leadflow.yaml --channels email --test-mode`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("seed-file", "", "Seed file of businesses for discovery")
	f.String("export-dir", "", "Directory for the run export document")
	f.String("location", "", "Location to search")
	f.String("niche", "", "Business niche to search")
	f.Int("max-entities", 0, "Maximum businesses to discover")
	f.Float64("threshold", 0, "Score below which a replacement site is generated")
	f.Int("concurrency", 0, "Units processed in parallel within a phase")
	f.StringSlice("channels", nil, "Channels sent automatically after preparation (email, sms, whatsapp)")
	f.Bool("test-mode", false, "Route automatic sends to the configured test recipients")
	f.BoolP("verbose", "v", false, "Print progress events")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	for _, name := range []string{"seed-file", "export-dir", "location", "niche", "max-entities", "threshold", "concurrency", "channels", "test-mode"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		a.Close(ctx)
	}()

	return executeRun(cmd.Context(), a, cfg.Run, observability.NewPrinter(cmd.OutOrStdout(), verbose))
}

// executeRun starts one run, streams its events until it finishes and prints
// the summary. An interrupt cancels the run and waits for it to drain.
func executeRun(parent context.Context, a *app, rc types.RunConfig, printer *observability.Printer) error {
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = a.dispatcher.Run(dispatchCtx, rc.Concurrency)
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()

	id, err := a.runs.Start(sigCtx, rc)
	if err != nil {
		return err
	}

	sub, err := a.bus.Subscribe(context.Background(), id, 0)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	defer sub.Close()

	if err := follow(sigCtx, sub, printer); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		a.logger.Info("interrupt received; cancelling run", zap.String("run_id", id.String()))
		if err := a.runs.Cancel(context.Background(), id); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		if err := follow(waitCtx, sub, printer); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("run %s did not stop: %w", id, err)
		}
	}

	return report(a, id, printer)
}

// follow prints events until run_finished. It returns io.EOF when the
// stream ends without one and ctx.Err() when ctx is done first.
func follow(ctx context.Context, sub *events.Subscription, printer *observability.Printer) error {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return io.EOF
			}
			printer.PrintEvent(ev)
			if ev.Type == events.TypeRunFinished {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// report prints the final run snapshot with its entities and campaigns.
func report(a *app, id uuid.UUID, printer *observability.Printer) error {
	ctx := context.Background()
	run, err := a.runs.Wait(ctx, id)
	if err != nil {
		return err
	}
	entities, err := a.store.ListEntities(ctx, id)
	if err != nil {
		return err
	}
	campaigns, err := a.store.ListCampaigns(ctx, id)
	if err != nil {
		return err
	}

	printer.PrintRunSummary(run)
	printer.EntitiesTable(entities)
	if len(campaigns) > 0 {
		printer.CampaignsTable(campaigns)
	}
	if run.Outcome == types.OutcomeFailed {
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}
