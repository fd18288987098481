package history

import (
	"database/sql"
	"fmt"
)

// AppendLog records a log line with the next sequence number for the run.
// The sequence is computed inside the transaction to avoid races.
func (db *DB) AppendLog(runID, line string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sequence, err := nextSequenceInTx(tx, runID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO run_logs (run_id, sequence, line) VALUES (?, ?, ?)`, runID, sequence, line)
	if err != nil {
		return fmt.Errorf("failed to insert log line: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nextSequenceInTx(tx *sql.Tx, runID string) (int, error) {
	var next int
	err := tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_logs WHERE run_id = ?`, runID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to get next sequence: %w", err)
	}
	return next, nil
}

// RunLogs returns log lines with sequence > since, in order.
func (db *DB) RunLogs(runID string, since int) ([]*LogLine, error) {
	rows, err := db.conn.Query(`
		SELECT sequence, line, created_at
		FROM run_logs
		WHERE run_id = ? AND sequence > ?
		ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var lines []*LogLine
	for rows.Next() {
		l := &LogLine{}
		if err := rows.Scan(&l.Sequence, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run logs: %w", err)
	}
	return lines, nil
}
