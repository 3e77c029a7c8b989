// Package events provides helper functions for journaling engine activity.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencode-ai/sequencer/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

// LogMessagePublished records a bus message.
func LogMessagePublished(ctx context.Context, repo Repository, scenario, message string) error {
	if message == "" {
		return fmt.Errorf("message is required")
	}
	return record(ctx, repo, scenario, models.EventTypeMessagePublished, models.EntityTypeBus, message,
		models.MessagePublishedPayload{Message: message})
}

// LogSequenceStarted records the start of a sequence run.
func LogSequenceStarted(ctx context.Context, repo Repository, scenario, sequence, runID string, forced bool) error {
	return record(ctx, repo, scenario, models.EventTypeSequenceStarted, models.EntityTypeSequence, sequence,
		models.SequenceStartedPayload{RunID: runID, Forced: forced})
}

// LogSequenceCompleted records the end of a sequence run. A zero duration
// is omitted from the payload.
func LogSequenceCompleted(ctx context.Context, repo Repository, scenario, sequence, runID string, took time.Duration, retired bool) error {
	payload := models.SequenceCompletedPayload{RunID: runID, Retired: retired}
	if took > 0 {
		payload.Duration = took.String()
	}
	return record(ctx, repo, scenario, models.EventTypeSequenceCompleted, models.EntityTypeSequence, sequence, payload)
}

// LogGroupDispatched records a group selection.
func LogGroupDispatched(ctx context.Context, repo Repository, scenario, group, policy string, started []string) error {
	if started == nil {
		started = []string{}
	}
	return record(ctx, repo, scenario, models.EventTypeGroupDispatched, models.EntityTypeGroup, group,
		models.GroupDispatchedPayload{Policy: policy, Started: started})
}

// LogChainCompleted records a SEQUENCE group finishing its last member.
func LogChainCompleted(ctx context.Context, repo Repository, scenario, group string) error {
	return record(ctx, repo, scenario, models.EventTypeGroupChainComplete, models.EntityTypeGroup, group, nil)
}

// LogScenarioStarted records a scenario coming up.
func LogScenarioStarted(ctx context.Context, repo Repository, scenario string) error {
	return record(ctx, repo, scenario, models.EventTypeScenarioStarted, models.EntityTypeScenario, scenario, nil)
}

// LogScenarioStopped records a scenario shutting down.
func LogScenarioStopped(ctx context.Context, repo Repository, scenario string) error {
	return record(ctx, repo, scenario, models.EventTypeScenarioStopped, models.EntityTypeScenario, scenario, nil)
}

func record(ctx context.Context, repo Repository, scenario string, eventType models.EventType, entityType models.EntityType, entityID string, payload any) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if entityID == "" {
		return fmt.Errorf("%s name is required", entityType)
	}

	event := &models.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		event.Payload = data
	}
	if scenario != "" {
		event.Metadata = map[string]string{"scenario": scenario}
	}

	return repo.Create(ctx, event)
}
