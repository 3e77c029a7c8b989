package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/sequencer/internal/models"
)

// Run repository errors.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAlreadyExists = errors.New("run already exists")
)

const runColumns = `id, scenario, sequence, forced, status, started_at, finished_at`

// RunRepository persists per-sequence run records.
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start records a run as running.
func (r *RunRepository) Start(ctx context.Context, record *models.RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	record.Status = models.RunStatusRunning
	record.FinishedAt = nil
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, scenario, sequence, forced, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.Scenario,
		record.Sequence,
		record.Forced,
		string(record.Status),
		record.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRunAlreadyExists
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Finish marks a running run as completed or abandoned.
func (r *RunRepository) Finish(ctx context.Context, id string, status models.RunStatus, at time.Time) error {
	if status == models.RunStatusRunning {
		return fmt.Errorf("cannot finish run with status %q", status)
	}
	at = at.UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			finished_at = ?,
			duration_ms = MAX(0, CAST(ROUND((julianday(?) - julianday(started_at)) * 86400000) AS INTEGER))
		WHERE id = ? AND status = ?
	`,
		string(status),
		at.Format(timeLayout),
		at.Format(timeLayout),
		id,
		string(models.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AbandonRunning marks every still-running run of a scenario as abandoned.
func (r *RunRepository) AbandonRunning(ctx context.Context, scenario string, at time.Time) (int64, error) {
	at = at.UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			finished_at = ?,
			duration_ms = MAX(0, CAST(ROUND((julianday(?) - julianday(started_at)) * 86400000) AS INTEGER))
		WHERE scenario = ? AND status = ?
	`,
		string(models.RunStatusAbandoned),
		at.Format(timeLayout),
		at.Format(timeLayout),
		scenario,
		string(models.RunStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon runs: %w", err)
	}
	return result.RowsAffected()
}

// Get retrieves a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*models.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	record, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return record, err
}

// Query retrieves runs matching the given filters, newest first.
func (r *RunRepository) Query(ctx context.Context, q models.RunQuery) ([]*models.RunRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if q.Scenario != nil {
		query += ` AND scenario = ?`
		args = append(args, *q.Scenario)
	}
	if q.Sequence != nil {
		query += ` AND sequence = ?`
		args = append(args, *q.Sequence)
	}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	if q.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if q.Until != nil {
		query += ` AND started_at < ?`
		args = append(args, q.Until.UTC().Format(timeLayout))
	}

	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []*models.RunRecord
	for rows.Next() {
		record, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// Summarize aggregates runs per sequence, optionally for one scenario.
func (r *RunRepository) Summarize(ctx context.Context, scenario string, since, until *time.Time) ([]*models.RunSummary, error) {
	query := `SELECT
		scenario,
		sequence,
		COUNT(*) as runs,
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) as completed,
		COALESCE(SUM(CASE WHEN status = 'abandoned' THEN 1 ELSE 0 END), 0) as abandoned,
		COALESCE(SUM(forced), 0) as forced,
		COALESCE(CAST(AVG(CASE WHEN status = 'completed' THEN duration_ms END) AS INTEGER), 0) as avg_duration_ms
		FROM runs WHERE 1=1`
	args := []any{}

	if scenario != "" {
		query += ` AND scenario = ?`
		args = append(args, scenario)
	}
	if since != nil {
		query += ` AND started_at >= ?`
		args = append(args, since.UTC().Format(timeLayout))
	}
	if until != nil {
		query += ` AND started_at < ?`
		args = append(args, until.UTC().Format(timeLayout))
	}

	query += ` GROUP BY scenario, sequence ORDER BY runs DESC, scenario, sequence`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	defer rows.Close()

	var summaries []*models.RunSummary
	for rows.Next() {
		var s models.RunSummary
		if err := rows.Scan(
			&s.Scenario,
			&s.Sequence,
			&s.Runs,
			&s.Completed,
			&s.Abandoned,
			&s.Forced,
			&s.AvgDurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run summaries: %w", err)
	}
	return summaries, nil
}

// DeleteOlderThan removes finished runs started before the given time.
func (r *RunRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs WHERE started_at < ? AND status != ? ORDER BY started_at LIMIT ?
		)
	`, before.UTC().Format(timeLayout), string(models.RunStatusRunning), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

func (r *RunRepository) scan(row rowScanner) (*models.RunRecord, error) {
	var record models.RunRecord
	var status, startedAt string
	var finishedAt sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Scenario,
		&record.Sequence,
		&record.Forced,
		&status,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	record.Status = models.RunStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		record.StartedAt = t
	} else {
		r.db.logger.Warn().Err(err).Str("run_id", record.ID).Msg("failed to parse run start time")
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			record.FinishedAt = &t
		}
	}

	return &record, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
