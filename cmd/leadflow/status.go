package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonathan/leadflow/internal/db"
	"github.com/jonathan/leadflow/internal/observability"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs or one run in detail",
	Long:  `List recent runs from the database, or show one run's summary, entities and campaigns with --run.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("run", "", "Run ID to show in detail")
	statusCmd.Flags().Int("limit", 20, "Number of recent runs to list")
	statusCmd.Flags().Bool("json", false, "Print JSON instead of tables")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("status reads persisted runs: DATABASE_URL or --database-url is required")
	}
	ctx := cmd.Context()
	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	runFlag, _ := cmd.Flags().GetString("run")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	if runFlag == "" {
		return listRuns(ctx, database, limit, asJSON, out)
	}
	id, err := uuid.Parse(runFlag)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runFlag, err)
	}
	return showRun(ctx, database, id, asJSON, out)
}

func listRuns(ctx context.Context, store runstate.Store, limit int, asJSON bool, out io.Writer) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, map[string]any{"runs": runs, "count": len(runs)})
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs yet.")
		return nil
	}
	observability.NewPrinter(out, false).RunsTable(runs)
	return nil
}

func showRun(ctx context.Context, store runstate.Store, id uuid.UUID, asJSON bool, out io.Writer) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	entities, err := store.ListEntities(ctx, id)
	if err != nil {
		return err
	}
	campaigns, err := store.ListCampaigns(ctx, id)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(out, map[string]any{"run": run, "entities": entities, "campaigns": campaigns})
	}
	p := observability.NewPrinter(out, false)
	p.PrintRunSummary(run)
	p.EntitiesTable(entities)
	if len(campaigns) > 0 {
		p.CampaignsTable(campaigns)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
