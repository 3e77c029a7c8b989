package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/opencode-ai/sequencer/internal/db"
	"github.com/opencode-ai/sequencer/internal/models"
	"github.com/spf13/cobra"
)

var (
	exportScenario string
	exportPrune    time.Duration
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(exportJournalCmd)
	journalCmd.AddCommand(exportPruneCmd)

	exportJournalCmd.Flags().StringVar(&exportScenario, "scenario", "", "only export this scenario")
	exportPruneCmd.Flags().DurationVar(&exportPrune, "older-than", 30*24*time.Hour, "delete entries older than this")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Export or prune the run journal",
}

var exportJournalCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every journal entry and run summary",
	Long:  "Export the journal as JSON. With --jsonl, one entry per line.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		database, err := openDatabase(ctx, journalConfig())
		if err != nil {
			return err
		}
		defer database.Close()

		eventsRepo := db.NewEventRepository(database)
		query := db.EventQuery{Limit: 500}
		if exportScenario != "" {
			query.Scenario = &exportScenario
		}

		var all []*models.Event
		for {
			page, err := eventsRepo.Query(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			all = append(all, page.Events...)
			if page.NextAfter == 0 {
				break
			}
			query.After = page.NextAfter
		}

		if IsJSONLOutput() {
			return WriteOutput(os.Stdout, all)
		}

		summaries, err := db.NewRunRepository(database).Summarize(ctx, exportScenario, nil, nil)
		if err != nil {
			return err
		}
		return WriteOutput(os.Stdout, JournalExport{
			Path:   database.Path(),
			Events: all,
			Runs:   summaries,
		})
	},
}

var exportPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old journal entries and finished runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportPrune <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		ctx := cmd.Context()

		database, err := openDatabase(ctx, journalConfig())
		if err != nil {
			return err
		}
		defer database.Close()

		cutoff := time.Now().Add(-exportPrune)
		events, err := db.NewEventRepository(database).DeleteBefore(ctx, cutoff)
		if err != nil {
			return err
		}

		var runs int64
		runRepo := db.NewRunRepository(database)
		for {
			n, err := runRepo.DeleteOlderThan(ctx, cutoff, 0)
			if err != nil {
				return err
			}
			runs += n
			if n == 0 {
				break
			}
		}

		result := map[string]int64{"events": events, "runs": runs}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, result)
		}
		fmt.Printf("Pruned %d entries and %d runs older than %s.\n", events, runs, cutoff.Format(time.DateTime))
		return nil
	},
}

// JournalExport is the payload written by `sequencer journal export`.
type JournalExport struct {
	Path   string               `json:"path"`
	Events []*models.Event      `json:"events"`
	Runs   []*models.RunSummary `json:"runs"`
}
