// Package persistence provides an optional sqlite-backed journal of
// terminal task transitions. It attaches to the event bus as one more
// observer; the coordination core never reads it back, so scheduling
// correctness does not depend on it.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ResultRecord is one terminal task transition as stored in the journal.
type ResultRecord struct {
	TaskID     string
	Kind       string
	Outcome    string // completed, failed, or cancelled
	Error      string
	TimedOut   bool
	Retries    int
	Duration   time.Duration
	RecordedAt time.Time
}

// Journal stores terminal task transitions.
type Journal interface {
	Record(ctx context.Context, rec ResultRecord) error
	History(ctx context.Context, taskID string) ([]ResultRecord, error)
	List(ctx context.Context, limit int) ([]ResultRecord, error)
	Close() error
}

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal creates a journal at the given path, creating parent
// directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteJournal(ctx context.Context, dbPath string) (*SQLiteJournal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openJournal(ctx, connStr)
}

// NewMemoryJournal creates an in-memory journal for testing. Uses a
// shared cache so multiple connections see the same database.
func NewMemoryJournal(ctx context.Context) (*SQLiteJournal, error) {
	return openJournal(ctx, "file::memory:?mode=memory&cache=shared")
}

func openJournal(ctx context.Context, connStr string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		kind TEXT,
		outcome TEXT NOT NULL,
		error TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_task_id ON task_results(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_results_recorded_at ON task_results(recorded_at);
	`

	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Record appends one terminal transition.
func (j *SQLiteJournal) Record(ctx context.Context, rec ResultRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_results (task_id, kind, outcome, error, timed_out, retries, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Kind, rec.Outcome, rec.Error,
		boolToInt(rec.TimedOut), rec.Retries, rec.Duration.Milliseconds(), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// History returns every recorded transition for one task, oldest first.
// A retried task appears once per terminal attempt.
func (j *SQLiteJournal) History(ctx context.Context, taskID string) ([]ResultRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT task_id, kind, outcome, error, timed_out, retries, duration_ms, recorded_at
		 FROM task_results WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns the most recent transitions across all tasks, newest
// first. limit <= 0 means no limit.
func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]ResultRecord, error) {
	query := `SELECT task_id, kind, outcome, error, timed_out, retries, duration_ms, recorded_at
		 FROM task_results ORDER BY id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = j.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func scanRecords(rows *sql.Rows) ([]ResultRecord, error) {
	var records []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		var timedOut int
		var durationMS int64
		if err := rows.Scan(&rec.TaskID, &rec.Kind, &rec.Outcome, &rec.Error,
			&timedOut, &rec.Retries, &durationMS, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		rec.TimedOut = timedOut != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
