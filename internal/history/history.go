// Package history is a supplemental, non-authoritative execution log
// backed by SQLite: every completed check and action is recorded here for
// the "kicker history" CLI subcommand to query. It never
// participates in scheduling or rate-limit decisions — runtime_state.json
// via internal/runtimestate remains the single source of truth for those.
// Adapted from colebrumley-srvrmgr/internal/state/db.go's ExecutionRecord
// store, retargeted from Claude-rule executions to check/action executions.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ExecutionRecord is one completed check or action command.
type ExecutionRecord struct {
	ID         int64
	RuleID     int
	Phase      string // "check" or "action"
	ReturnCode int
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Output     string // stored as given by the caller, in full; not truncated
	Error      string // stored as given by the caller, in full; not truncated
}

// DB wraps the SQLite connection backing the execution history log.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id INTEGER NOT NULL,
    phase TEXT NOT NULL,
    return_code INTEGER NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    duration_ms INTEGER NOT NULL,
    output TEXT,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_execution_history_rule ON execution_history(rule_id);
CREATE INDEX IF NOT EXISTS idx_execution_history_phase ON execution_history(phase);
CREATE INDEX IF NOT EXISTS idx_execution_history_started ON execution_history(started_at);
`

// Open opens or creates the history database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordExecution stores an execution record and returns its id.
func (d *DB) RecordExecution(rec ExecutionRecord) (int64, error) {
	result, err := d.db.Exec(`
		INSERT INTO execution_history
		(rule_id, phase, return_code, started_at, finished_at, duration_ms, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RuleID, rec.Phase, rec.ReturnCode, rec.StartedAt, rec.FinishedAt,
		rec.DurationMs, rec.Output, rec.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("recording execution: %w", err)
	}
	return result.LastInsertId()
}

// GetHistory retrieves execution records, optionally filtered by rule id
// and/or phase, most recent first.
func (d *DB) GetHistory(ruleID int, phase string, limit int) ([]ExecutionRecord, error) {
	query := "SELECT id, rule_id, phase, return_code, started_at, finished_at, duration_ms, output, error FROM execution_history WHERE 1=1"
	var args []any

	if ruleID > 0 {
		query += " AND rule_id = ?"
		args = append(args, ruleID)
	}
	if phase != "" {
		query += " AND phase = ?"
		args = append(args, phase)
	}

	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var output, errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.RuleID, &r.Phase, &r.ReturnCode,
			&r.StartedAt, &r.FinishedAt, &r.DurationMs, &output, &errStr); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.Output = output.String
		r.Error = errStr.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// RuleSummary is one row of the per-rule summary Stats returns.
type RuleSummary struct {
	RuleID              int
	ActionExecutions    int64
	ActionExecutions24h int64
}

// Stats aggregates action-execution counts per rule: lifetime and within
// the last 24 hours. The "kicker stats" subcommand does not use it; it
// reads its counts from runtime_state.json.
func (d *DB) Stats() ([]RuleSummary, error) {
	cutoff := time.Now().Add(-24 * time.Hour)
	rows, err := d.db.Query(`
		SELECT rule_id,
		       COUNT(*),
		       SUM(CASE WHEN started_at >= ? THEN 1 ELSE 0 END)
		FROM execution_history
		WHERE phase = 'action'
		GROUP BY rule_id
		ORDER BY rule_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var summaries []RuleSummary
	for rows.Next() {
		var s RuleSummary
		if err := rows.Scan(&s.RuleID, &s.ActionExecutions, &s.ActionExecutions24h); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Cleanup removes execution records older than retentionDays.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := d.db.Exec("DELETE FROM execution_history WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
