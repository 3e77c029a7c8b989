package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencode-ai/sequencer/internal/models"
)

type fakeRepo struct {
	last *models.Event
}

func (r *fakeRepo) Create(ctx context.Context, event *models.Event) error {
	r.last = event
	return nil
}

func TestLogMessagePublished(t *testing.T) {
	repo := &fakeRepo{}

	if err := LogMessagePublished(context.Background(), repo, "doorbell", "front.ring"); err != nil {
		t.Fatalf("LogMessagePublished failed: %v", err)
	}

	if repo.last == nil {
		t.Fatal("expected event to be created")
	}
	if repo.last.Type != models.EventTypeMessagePublished {
		t.Fatalf("unexpected event type: %q", repo.last.Type)
	}
	if repo.last.EntityType != models.EntityTypeBus || repo.last.EntityID != "front.ring" {
		t.Fatalf("unexpected entity: %s/%s", repo.last.EntityType, repo.last.EntityID)
	}
	if repo.last.Metadata["scenario"] != "doorbell" {
		t.Fatalf("unexpected metadata: %v", repo.last.Metadata)
	}
}

func TestLogSequenceStartedPayload(t *testing.T) {
	repo := &fakeRepo{}

	if err := LogSequenceStarted(context.Background(), repo, "", "answer", "run-9", true); err != nil {
		t.Fatalf("LogSequenceStarted failed: %v", err)
	}

	var payload models.SequenceStartedPayload
	if err := json.Unmarshal(repo.last.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RunID != "run-9" || !payload.Forced {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if repo.last.Metadata != nil {
		t.Fatalf("expected no metadata without a scenario, got %v", repo.last.Metadata)
	}
}

func TestLogSequenceCompletedDuration(t *testing.T) {
	repo := &fakeRepo{}

	if err := LogSequenceCompleted(context.Background(), repo, "patrol", "yard", "r", 1500*time.Millisecond, true); err != nil {
		t.Fatalf("LogSequenceCompleted failed: %v", err)
	}

	var payload models.SequenceCompletedPayload
	if err := json.Unmarshal(repo.last.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Duration != "1.5s" || !payload.Retired {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestLogGroupDispatchedEmptySelection(t *testing.T) {
	repo := &fakeRepo{}

	if err := LogGroupDispatched(context.Background(), repo, "ambience", "chatter", "random", nil); err != nil {
		t.Fatalf("LogGroupDispatched failed: %v", err)
	}
	if string(repo.last.Payload) != `{"policy":"random","started":[]}` {
		t.Fatalf("unexpected payload: %s", repo.last.Payload)
	}
}

func TestLogRequiresRepositoryAndName(t *testing.T) {
	if err := LogChainCompleted(context.Background(), nil, "patrol", "rounds"); err == nil {
		t.Fatal("expected error for nil repository")
	}
	if err := LogScenarioStarted(context.Background(), &fakeRepo{}, ""); err == nil {
		t.Fatal("expected error for empty scenario name")
	}
	if err := LogMessagePublished(context.Background(), &fakeRepo{}, "x", ""); err == nil {
		t.Fatal("expected error for empty message")
	}
}
