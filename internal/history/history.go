// Package history keeps a SQLite log of collection runs so CI jobs can compare
// a run with earlier ones.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"pkt.systems/bruci/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	collection  TEXT NOT NULL,
	environment TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	errored     INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	p95_ms      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	message     TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Run is one recorded collection run.
type Run struct {
	ID          string
	Collection  string
	Environment string
	Status      report.Status
	StartedAt   time.Time
	Duration    time.Duration
	Total       int
	Passed      int
	Failed      int
	Errored     int
	Skipped     int
	P95         time.Duration
}

// Failure is a descriptor that did not pass in a recorded run.
type Failure struct {
	Name      string
	Path      string
	Iteration int
	Outcome   report.Outcome
	Message   string
}

// Store is a history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores rep and the non-passing descriptors it contains.
func (s *Store) Record(ctx context.Context, rep report.Report) (Run, error) {
	run := Run{
		ID:          uuid.NewString(),
		Collection:  rep.Collection,
		Environment: rep.Environment,
		Status:      rep.Status,
		StartedAt:   rep.StartedAt.UTC(),
		Duration:    rep.Duration,
		Total:       rep.Total,
		Passed:      rep.Passed,
		Failed:      rep.Failed,
		Errored:     rep.Errored,
		Skipped:     rep.Skipped,
		P95:         rep.Latency.P95,
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, collection, environment, status, started_at, duration_ms, total, passed, failed, errored, skipped, p95_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Collection, run.Environment, string(run.Status), run.StartedAt.Format(time.RFC3339Nano),
		run.Duration.Milliseconds(), run.Total, run.Passed, run.Failed, run.Errored, run.Skipped, run.P95.Milliseconds())
	if err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	for i, r := range rep.Results {
		if r.Outcome == report.OutcomePassed {
			continue
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO results
			(run_id, position, name, path, iteration, outcome, duration_ms, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, r.Name, r.Path, r.Iteration, string(r.Outcome), r.Duration.Milliseconds(), r.FailureMessage())
		if err != nil {
			return Run{}, fmt.Errorf("record result %s: %w", r.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// Filter narrows List.
type Filter struct {
	Collection  string
	Environment string
	// Limit caps the number of runs; 0 means 20.
	Limit int
}

// List returns recorded runs, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, collection, environment, status, started_at, duration_ms, total, passed, failed, errored, skipped, p95_ms
		FROM runs
		WHERE (? = '' OR collection = ?) AND (? = '' OR environment = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`,
		f.Collection, f.Collection, f.Environment, f.Environment, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			status, started   string
			durationMS, p95MS int64
		)
		if err := rows.Scan(&r.ID, &r.Collection, &r.Environment, &status, &started, &durationMS,
			&r.Total, &r.Passed, &r.Failed, &r.Errored, &r.Skipped, &p95MS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = report.Status(status)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.P95 = time.Duration(p95MS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures returns the non-passing descriptors of a run in execution order.
func (s *Store) Failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, path, iteration, outcome, message
		FROM results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f       Failure
			outcome string
		)
		if err := rows.Scan(&f.Name, &f.Path, &f.Iteration, &outcome, &f.Message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Outcome = report.Outcome(outcome)
		out = append(out, f)
	}
	return out, rows.Err()
}
