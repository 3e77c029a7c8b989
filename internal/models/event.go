package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes journal entries.
type EventType string

const (
	// Bus events
	EventTypeMessagePublished EventType = "message.published"

	// Sequence events
	EventTypeSequenceStarted   EventType = "sequence.started"
	EventTypeSequenceCompleted EventType = "sequence.completed"

	// Group events
	EventTypeGroupDispatched    EventType = "group.dispatched"
	EventTypeGroupChainComplete EventType = "group.chain_completed"

	// Scenario events
	EventTypeScenarioStarted EventType = "scenario.started"
	EventTypeScenarioStopped EventType = "scenario.stopped"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventTypeMessagePublished,
	EventTypeSequenceStarted,
	EventTypeSequenceCompleted,
	EventTypeGroupDispatched,
	EventTypeGroupChainComplete,
	EventTypeScenarioStarted,
	EventTypeScenarioStopped,
}

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeBus      EntityType = "bus"
	EntityTypeSequence EntityType = "sequence"
	EntityTypeGroup    EntityType = "group"
	EntityTypeScenario EntityType = "scenario"
)

// Event represents an append-only journal entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the name of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context, such as the scenario name.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// MessagePublishedPayload is the payload for message.published events.
type MessagePublishedPayload struct {
	Message string `json:"message"`
}

// SequenceStartedPayload is the payload for sequence.started events.
type SequenceStartedPayload struct {
	RunID  string `json:"run_id"`
	Forced bool   `json:"forced"`
}

// SequenceCompletedPayload is the payload for sequence.completed events.
type SequenceCompletedPayload struct {
	RunID    string `json:"run_id,omitempty"`
	Duration string `json:"duration,omitempty"`
	Retired  bool   `json:"retired"`
}

// GroupDispatchedPayload is the payload for group.dispatched events.
type GroupDispatchedPayload struct {
	Policy  string   `json:"policy"`
	Started []string `json:"started"`
}
