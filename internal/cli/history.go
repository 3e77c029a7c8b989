package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-ai/sequencer/internal/config"
	"github.com/opencode-ai/sequencer/internal/db"
	"github.com/opencode-ai/sequencer/internal/models"
	"github.com/spf13/cobra"
)

var (
	historyType     string
	historyEntity   string
	historyScenario string
	historySince    time.Duration
	historyLimit    int

	runsScenario string
	runsSequence string
	runsStatus   string
	runsSummary  bool
	runsLimit    int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runsCmd)

	historyCmd.Flags().StringVar(&historyType, "type", "", "filter by event type (e.g. sequence.started)")
	historyCmd.Flags().StringVar(&historyEntity, "entity", "", "filter by sequence, group or message name")
	historyCmd.Flags().StringVar(&historyScenario, "scenario", "", "filter by scenario")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only events newer than this (e.g. 1h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum events to show")

	runsCmd.Flags().StringVar(&runsScenario, "scenario", "", "filter by scenario")
	runsCmd.Flags().StringVar(&runsSequence, "sequence", "", "filter by sequence")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status: running, completed, abandoned")
	runsCmd.Flags().BoolVar(&runsSummary, "summary", false, "aggregate runs per sequence")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journal entries",
	Long:  "Show the most recent journal entries, oldest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := buildEventQuery(historyType, historyEntity, historyScenario, historySince, historyLimit, time.Now())
		if err != nil {
			return err
		}

		database, err := openDatabase(cmd.Context(), journalConfig())
		if err != nil {
			return err
		}
		defer database.Close()

		page, err := db.NewEventRepository(database).Query(cmd.Context(), query)
		if err != nil {
			return err
		}
		// newest were fetched; show them in journal order
		events := page.Events
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, events)
		}
		if len(events) == 0 {
			fmt.Println("No journal entries.")
			return nil
		}

		rows := make([][]string, 0, len(events))
		for _, event := range events {
			rows = append(rows, []string{
				event.Timestamp.Local().Format("15:04:05.000"),
				formatEventType(event.Type),
				event.EntityID,
				event.Metadata["scenario"],
				string(event.Payload),
			})
		}
		return writeTable(os.Stdout, []string{"TIME", "TYPE", "ENTITY", "SCENARIO", "DETAIL"}, rows)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recorded sequence runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(cmd.Context(), journalConfig())
		if err != nil {
			return err
		}
		defer database.Close()
		repo := db.NewRunRepository(database)

		if runsSummary {
			summaries, err := repo.Summarize(cmd.Context(), runsScenario, nil, nil)
			if err != nil {
				return err
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, summaries)
			}
			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{
					s.Scenario,
					s.Sequence,
					strconv.FormatInt(s.Runs, 10),
					strconv.FormatInt(s.Completed, 10),
					strconv.FormatInt(s.Abandoned, 10),
					strconv.FormatInt(s.Forced, 10),
					formatDuration(time.Duration(s.AvgDurationMs) * time.Millisecond),
				})
			}
			return writeTable(os.Stdout, []string{"SCENARIO", "SEQUENCE", "RUNS", "DONE", "ABANDONED", "FORCED", "AVG"}, rows)
		}

		query, err := buildRunQuery(runsScenario, runsSequence, runsStatus, runsLimit)
		if err != nil {
			return err
		}
		records, err := repo.Query(cmd.Context(), query)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, records)
		}
		if len(records) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				shortID(r.ID),
				r.Scenario,
				r.Sequence,
				formatRunStatus(r.Status),
				formatYesNo(r.Forced),
				r.StartedAt.Local().Format(time.DateTime),
				formatDuration(r.Duration()),
			})
		}
		return writeTable(os.Stdout, []string{"RUN", "SCENARIO", "SEQUENCE", "STATUS", "FORCED", "STARTED", "TOOK"}, rows)
	},
}

func journalConfig() *config.Config {
	if cfg := GetConfig(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

// openDatabase opens and migrates the journal database.
func openDatabase(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return database, nil
}

func buildEventQuery(eventType, entity, scenario string, since time.Duration, limit int, now time.Time) (db.EventQuery, error) {
	query := db.EventQuery{Limit: limit, Newest: true}

	if eventType = strings.TrimSpace(eventType); eventType != "" {
		known := false
		for _, t := range models.EventTypes {
			if string(t) == eventType {
				known = true
				break
			}
		}
		if !known {
			return query, fmt.Errorf("unknown event type %q", eventType)
		}
		t := models.EventType(eventType)
		query.Type = &t
	}
	if entity = strings.TrimSpace(entity); entity != "" {
		query.EntityID = &entity
	}
	if scenario = strings.TrimSpace(scenario); scenario != "" {
		query.Scenario = &scenario
	}
	if since < 0 {
		return query, fmt.Errorf("--since must not be negative")
	}
	if since > 0 {
		from := now.Add(-since)
		query.Since = &from
	}
	return query, nil
}

func buildRunQuery(scenario, sequence, status string, limit int) (models.RunQuery, error) {
	query := models.RunQuery{Limit: limit}
	if scenario = strings.TrimSpace(scenario); scenario != "" {
		query.Scenario = &scenario
	}
	if sequence = strings.TrimSpace(sequence); sequence != "" {
		query.Sequence = &sequence
	}
	switch models.RunStatus(strings.ToLower(strings.TrimSpace(status))) {
	case "":
	case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusAbandoned:
		s := models.RunStatus(strings.ToLower(strings.TrimSpace(status)))
		query.Status = &s
	default:
		return query, fmt.Errorf("unknown run status %q", status)
	}
	return query, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
