package models

import (
	"time"
)

// RunStatus is the outcome of a sequence run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAbandoned RunStatus = "abandoned"
)

// RunRecord represents one run of a sequence.
type RunRecord struct {
	// ID is the run ID assigned by the sequence.
	ID string `json:"id"`

	// Scenario is the scenario the sequence belongs to.
	Scenario string `json:"scenario"`

	// Sequence is the sequence name.
	Sequence string `json:"sequence"`

	// Forced is set when the run bypassed the sequence's triggers.
	Forced bool `json:"forced"`

	// Status is the run outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the run completed or was abandoned.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Validate checks if the run record is valid.
func (r *RunRecord) Validate() error {
	validation := &ValidationErrors{}
	if r.ID == "" {
		validation.AddMessage("id", "id is required")
	}
	if r.Sequence == "" {
		validation.AddMessage("sequence", "sequence is required")
	}
	if r.FinishedAt != nil && r.FinishedAt.Before(r.StartedAt) {
		validation.AddMessage("finished_at", "finished_at must not precede started_at")
	}
	return validation.Err()
}

// RunSummary aggregates runs of one sequence.
type RunSummary struct {
	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// Sequence is the sequence name.
	Sequence string `json:"sequence"`

	// Runs is the total number of runs.
	Runs int64 `json:"runs"`

	// Completed is the number of completed runs.
	Completed int64 `json:"completed"`

	// Abandoned is the number of runs cut short by shutdown.
	Abandoned int64 `json:"abandoned"`

	// Forced is the number of runs that bypassed triggers.
	Forced int64 `json:"forced"`

	// AvgDurationMs is the mean duration of completed runs.
	AvgDurationMs int64 `json:"avg_duration_ms"`
}

// RunQuery defines filters for querying runs.
type RunQuery struct {
	// Scenario filters by scenario.
	Scenario *string

	// Sequence filters by sequence.
	Sequence *string

	// Status filters by status.
	Status *RunStatus

	// Since filters to runs started at or after this time.
	Since *time.Time

	// Until filters to runs started before this time.
	Until *time.Time

	// Limit is the maximum records to return.
	Limit int
}
