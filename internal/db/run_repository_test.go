package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opencode-ai/sequencer/internal/models"
)

func TestRunRepositoryStartFinish(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(openTestDB(t))

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &models.RunRecord{
		ID:        "run-1",
		Scenario:  "doorbell",
		Sequence:  "answer",
		StartedAt: started,
	}
	if err := repo.Start(ctx, record); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if record.Status != models.RunStatusRunning {
		t.Fatalf("expected running status, got %q", record.Status)
	}

	if err := repo.Start(ctx, &models.RunRecord{ID: "run-1", Sequence: "answer"}); !errors.Is(err, ErrRunAlreadyExists) {
		t.Fatalf("expected ErrRunAlreadyExists, got %v", err)
	}

	if err := repo.Finish(ctx, "run-1", models.RunStatusCompleted, started.Add(1500*time.Millisecond)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// a second finish finds no running row
	if err := repo.Finish(ctx, "run-1", models.RunStatusCompleted, started.Add(time.Hour)); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	got, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
	if got.Duration() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s duration, got %v", got.Duration())
	}
}

func TestRunRepositoryFinishRejectsRunningStatus(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))

	if err := repo.Finish(context.Background(), "x", models.RunStatusRunning, time.Now()); err == nil {
		t.Fatal("expected error finishing with running status")
	}
}

func TestRunRepositoryGetMissing(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))

	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunRepositoryAbandonRunning(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(openTestDB(t))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := repo.Start(ctx, &models.RunRecord{
			ID:        id,
			Scenario:  "patrol",
			Sequence:  "gate",
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	if err := repo.Finish(ctx, "a", models.RunStatusCompleted, base.Add(time.Second)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	abandoned, err := repo.AbandonRunning(ctx, "patrol", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("AbandonRunning: %v", err)
	}
	if abandoned != 2 {
		t.Fatalf("expected 2 abandoned, got %d", abandoned)
	}

	status := models.RunStatusAbandoned
	records, err := repo.Query(ctx, models.RunQuery{Status: &status})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 abandoned records, got %d", len(records))
	}
	// newest first
	if records[0].ID != "c" || records[1].ID != "b" {
		t.Fatalf("unexpected order: %s, %s", records[0].ID, records[1].ID)
	}
}

func TestRunRepositorySummarize(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(openTestDB(t))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	runs := []struct {
		id       string
		sequence string
		forced   bool
		took     time.Duration
		status   models.RunStatus
	}{
		{"1", "gate", false, 100 * time.Millisecond, models.RunStatusCompleted},
		{"2", "gate", true, 300 * time.Millisecond, models.RunStatusCompleted},
		{"3", "gate", false, time.Second, models.RunStatusAbandoned},
		{"4", "yard", false, 50 * time.Millisecond, models.RunStatusCompleted},
	}
	for i, run := range runs {
		start := base.Add(time.Duration(i) * time.Minute)
		if err := repo.Start(ctx, &models.RunRecord{
			ID:        run.id,
			Scenario:  "patrol",
			Sequence:  run.sequence,
			Forced:    run.forced,
			StartedAt: start,
		}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := repo.Finish(ctx, run.id, run.status, start.Add(run.took)); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}

	summaries, err := repo.Summarize(ctx, "patrol", nil, nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	gate := summaries[0]
	if gate.Sequence != "gate" {
		t.Fatalf("expected gate first, got %s", gate.Sequence)
	}
	if gate.Runs != 3 || gate.Completed != 2 || gate.Abandoned != 1 || gate.Forced != 1 {
		t.Fatalf("unexpected gate summary: %+v", gate)
	}
	if gate.AvgDurationMs != 200 {
		t.Fatalf("expected avg 200ms, got %d", gate.AvgDurationMs)
	}

	deleted, err := repo.DeleteOlderThan(ctx, base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
}

func TestRunRecordValidation(t *testing.T) {
	started := time.Now()
	earlier := started.Add(-time.Second)

	cases := []struct {
		name   string
		record models.RunRecord
		ok     bool
	}{
		{"valid", models.RunRecord{ID: "r", Sequence: "s", StartedAt: started}, true},
		{"missing id", models.RunRecord{Sequence: "s"}, false},
		{"missing sequence", models.RunRecord{ID: "r"}, false},
		{"finish before start", models.RunRecord{ID: "r", Sequence: "s", StartedAt: started, FinishedAt: &earlier}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.record.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
