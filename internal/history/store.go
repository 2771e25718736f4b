// Package history keeps a SQLite record of every batch and its units so
// earlier batches can be listed and compared after their log directories are
// gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const timeLayout = time.RFC3339Nano

// BatchRecord is one row of the batches table.
type BatchRecord struct {
	BatchID    string
	StartedAt  time.Time
	FinishedAt time.Time
	OK         bool
	Succeeded  int
	Skipped    int
	Failed     int
	Error      string
	Dir        string // batch log directory
}

// Store implements the batch history on modernc.org/sqlite (pure Go).
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// WAL mode lets `history` read while a batch writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema tables.
func (s *Store) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		batch_id    TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		ok          INTEGER NOT NULL DEFAULT 0,
		succeeded   INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		dir         TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS units (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id       TEXT NOT NULL REFERENCES batches(batch_id),
		idx            INTEGER NOT NULL,
		subject        TEXT NOT NULL DEFAULT '',
		task           TEXT NOT NULL,
		action         TEXT NOT NULL,
		classification TEXT NOT NULL,
		error_kind     TEXT NOT NULL DEFAULT '',
		exit_code      INTEGER NOT NULL DEFAULT 0,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		reason         TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		log_path       TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_units_batch ON units(batch_id);
	CREATE INDEX IF NOT EXISTS idx_units_subject ON units(subject);
	CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBatch stores result and all of its units in one transaction. A batch
// recorded twice is replaced.
func (s *Store) RecordBatch(ctx context.Context, result *types.BatchResult, runErr error, dir string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", result.BatchID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE batch_id = ?`, result.BatchID); err != nil {
		return fmt.Errorf("record batch %s: %w", result.BatchID, err)
	}

	counts := result.Counts()
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO batches
		 (batch_id, started_at, finished_at, ok, succeeded, skipped, failed, error, dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.BatchID,
		result.StartedAt.UTC().Format(timeLayout),
		result.FinishedAt.UTC().Format(timeLayout),
		result.OK() && runErr == nil,
		counts[types.ClassSucceeded], counts[types.ClassSkipped], counts[types.ClassFailed],
		errText, dir,
	)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", result.BatchID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO units
		 (batch_id, idx, subject, task, action, classification, error_kind, exit_code, duration_ms, reason, workspace_path, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", result.BatchID, err)
	}
	defer stmt.Close()

	for _, u := range result.Units {
		_, err := stmt.ExecContext(ctx,
			result.BatchID, u.Index, u.Unit.Subject, u.Unit.Task, string(u.Unit.Action),
			string(u.Classification), string(u.Kind), u.ExitCode, u.Duration.Milliseconds(),
			u.Reason, u.WorkspacePath, u.LogPath,
		)
		if err != nil {
			return fmt.Errorf("record unit %s: %w", u.Unit.Key(), err)
		}
	}
	return tx.Commit()
}

// ListBatches returns up to limit batches, most recent first. limit <= 0
// means all.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := `SELECT batch_id, started_at, finished_at, ok, succeeded, skipped, failed, error, dir
		FROM batches ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var (
			r                 BatchRecord
			started, finished string
		)
		if err := rows.Scan(&r.BatchID, &started, &finished, &r.OK, &r.Succeeded, &r.Skipped, &r.Failed, &r.Error, &r.Dir); err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		r.FinishedAt, _ = time.Parse(timeLayout, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Units returns the recorded units of batchID in enumeration order.
func (s *Store) Units(ctx context.Context, batchID string) ([]types.UnitResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, subject, task, action, classification, error_kind, exit_code, duration_ms, reason, workspace_path, log_path
		 FROM units WHERE batch_id = ? ORDER BY idx`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list units of %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []types.UnitResult
	for rows.Next() {
		var (
			u                   types.UnitResult
			action, class, kind string
			durationMs          int64
		)
		if err := rows.Scan(&u.Index, &u.Unit.Subject, &u.Unit.Task, &action, &class, &kind,
			&u.ExitCode, &durationMs, &u.Reason, &u.WorkspacePath, &u.LogPath); err != nil {
			return nil, fmt.Errorf("list units of %s: %w", batchID, err)
		}
		u.Unit.Action = types.Action(action)
		u.Classification = types.Classification(class)
		u.Kind = types.ErrorKind(kind)
		u.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, u)
	}
	return out, rows.Err()
}

// SubjectFailures returns, per subject, how many of its units failed across
// all recorded batches. Subjects that never failed are omitted.
func (s *Store) SubjectFailures(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, COUNT(*) FROM units
		 WHERE classification = ? AND subject != ''
		 GROUP BY subject`, string(types.ClassFailed))
	if err != nil {
		return nil, fmt.Errorf("subject failures: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var sub string
		var n int
		if err := rows.Scan(&sub, &n); err != nil {
			return nil, fmt.Errorf("subject failures: %w", err)
		}
		out[sub] = n
	}
	return out, rows.Err()
}
