// Package journal records migration passes and per-file outcomes in a
// SQLite database so operators can see what the daemon moved and why
// files were skipped.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Pass results.
const (
	ResultRunning     = "running"
	ResultDone        = "done"
	ResultFailed      = "failed"
	ResultInterrupted = "interrupted"
)

// Pass summarizes one worker pass over a branch, including any chained
// branches it continued into.
type Pass struct {
	ID            string
	BranchID      int
	FinalBranchID int
	WorkerPID     int
	StartedAt     time.Time
	FinishedAt    time.Time
	Result        string
	Moved         int
	Skipped       int
	Requeued      int
	Dropped       int
	Bytes         int64
	Error         string
}

// Outcome is the settled fate of one candidate.
type Outcome struct {
	PassID   string
	BranchID int
	Name     string
	Size     int64
	Outcome  string
	Detail   string
	At       time.Time
}

// Store manages journal persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the journal database and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// BeginPass inserts a running pass.
func (s *Store) BeginPass(ctx context.Context, p Pass) error {
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passes (pass_id, brid, final_brid, worker_pid, started_at, result)
         VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.BranchID, p.BranchID, p.WorkerPID, formatTime(p.StartedAt), ResultRunning,
	)
	if err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}
	return nil
}

// FinishPass stores the final counters and result of a pass.
func (s *Store) FinishPass(ctx context.Context, p Pass) error {
	if p.FinishedAt.IsZero() {
		p.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE passes SET final_brid = ?, finished_at = ?, result = ?, moved = ?,
            skipped = ?, requeued = ?, dropped = ?, bytes = ?, error = ?
         WHERE pass_id = ?`,
		p.FinalBranchID, formatTime(p.FinishedAt), p.Result, p.Moved,
		p.Skipped, p.Requeued, p.Dropped, p.Bytes, nullableString(p.Error), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pass: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update pass %s: no such pass", p.ID)
	}
	return nil
}

// RecordOutcome appends a per-file outcome.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (pass_id, brid, name, size, outcome, detail, at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.PassID, o.BranchID, o.Name, o.Size, o.Outcome, nullableString(o.Detail), formatTime(o.At),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecentPasses returns up to limit passes, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]Pass, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_id, brid, final_brid, worker_pid, started_at, finished_at, result,
            moved, skipped, requeued, dropped, bytes, error
         FROM passes ORDER BY started_at DESC, pass_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer rows.Close()

	var out []Pass
	for rows.Next() {
		var (
			p                 Pass
			started           string
			finished, errText sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.BranchID, &p.FinalBranchID, &p.WorkerPID, &started, &finished,
			&p.Result, &p.Moved, &p.Skipped, &p.Requeued, &p.Dropped, &p.Bytes, &errText); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		p.StartedAt, _ = time.Parse(timeLayout, started)
		if finished.Valid {
			p.FinishedAt, _ = time.Parse(timeLayout, finished.String)
		}
		p.Error = errText.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// Outcomes returns the outcomes of a pass in the order they were settled.
func (s *Store) Outcomes(ctx context.Context, passID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_id, brid, name, size, outcome, detail, at
         FROM outcomes WHERE pass_id = ? ORDER BY id`, passID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o      Outcome
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&o.PassID, &o.BranchID, &o.Name, &o.Size, &o.Outcome, &detail, &at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Detail = detail.String
		o.At, _ = time.Parse(timeLayout, at)
		out = append(out, o)
	}
	return out, rows.Err()
}
