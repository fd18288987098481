package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const runColumns = `id, symbol, model_type, mode, job_id, status, summary, error,
		       fallback, started_at, completed_at`

// CreateRun inserts a running run. An empty ID is assigned a ULID.
func (db *DB) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	query := `
		INSERT INTO runs (
			id, symbol, model_type, mode, job_id, status, summary, error,
			fallback, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.Exec(query,
		run.ID,
		run.Symbol,
		run.ModelType,
		run.Mode,
		run.JobID,
		run.Status,
		run.Summary,
		run.Error,
		run.Fallback,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SetJobID records the backend job a run is following.
func (db *DB) SetJobID(runID, jobID string) error {
	return db.exec1(`UPDATE runs SET job_id = ? WHERE id = ?`, jobID, runID)
}

// FinishRun moves a run to a terminal status.
func (db *DB) FinishRun(runID string, status RunStatus, summary, errText *string, fallback bool) error {
	return db.exec1(`
		UPDATE runs SET status = ?, summary = ?, error = ?, fallback = ?, completed_at = ?
		WHERE id = ?`,
		status, summary, errText, fallback, time.Now().UTC(), runID)
}

func (db *DB) exec1(query string, args ...any) error {
	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", args[len(args)-1])
	}
	return nil
}

// GetRun retrieves a run by its ID.
// Returns nil, nil if the run does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A non-empty symbol filters.
func (db *DB) ListRuns(symbol string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	// ULIDs sort by creation time
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	err := s.Scan(
		&run.ID,
		&run.Symbol,
		&run.ModelType,
		&run.Mode,
		&run.JobID,
		&run.Status,
		&run.Summary,
		&run.Error,
		&run.Fallback,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
