// Package checkpoint persists export run state in SQLite: terminal statuses,
// attempt counters for bounded retries, and the latest heartbeat payload
// each run attempt can resume from.
package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is one orchestrated export over one interval. The run id doubles as
// the idempotency key: creating an existing run is a no-op.
type Run struct {
	ID            string
	BackfillID    string
	Model         string
	TeamID        int64
	Destination   string
	IntervalStart *time.Time
	IntervalEnd   *time.Time

	Status           string
	Attempt          int
	RecordsCompleted int64
	LatestError      string

	StartedAt   time.Time
	CompletedAt *time.Time
}

// State manages run state in SQLite.
type State struct {
	db *sql.DB
}

// New opens (creating if needed) the state database under dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "chexport.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		backfill_id TEXT,
		model TEXT NOT NULL,
		team_id INTEGER NOT NULL,
		destination TEXT NOT NULL,
		interval_start TEXT,
		interval_end TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER DEFAULT 0,
		records_completed INTEGER DEFAULT 0,
		latest_error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS heartbeats (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_backfill ON runs(backfill_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// CreateRun registers a run if its id is not already known. Returns true
// when the run was newly created.
func (s *State) CreateRun(r Run) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO runs (id, backfill_id, model, team_id, destination, interval_start, interval_end, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.BackfillID, r.Model, r.TeamID, r.Destination,
		formatTime(r.IntervalStart), formatTime(r.IntervalEnd),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StartAttempt increments the run's attempt counter, marks it running, and
// returns the new attempt number plus the last heartbeat payload (nil on a
// first attempt).
func (s *State) StartAttempt(runID string) (int, []byte, error) {
	if _, err := s.db.Exec(`
		UPDATE runs SET status = 'running', attempt = attempt + 1 WHERE id = ?
	`, runID); err != nil {
		return 0, nil, err
	}
	var attempt int
	if err := s.db.QueryRow(`SELECT attempt FROM runs WHERE id = ?`, runID).Scan(&attempt); err != nil {
		return 0, nil, err
	}

	var payload sql.NullString
	err := s.db.QueryRow(`SELECT payload FROM heartbeats WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil && err != sql.ErrNoRows {
		return 0, nil, err
	}
	if payload.Valid {
		return attempt, []byte(payload.String), nil
	}
	return attempt, nil, nil
}

// SaveHeartbeat upserts the run's latest heartbeat payload.
func (s *State) SaveHeartbeat(runID string, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeats (run_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, runID, string(payload), time.Now().UTC().Format(timeLayout))
	return err
}

// LastHeartbeat returns the run's latest heartbeat payload, or nil.
func (s *State) LastHeartbeat(runID string) ([]byte, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM heartbeats WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// FinishRun records a run's terminal status, records count and latest error
// message. A zero-record completed run is a success, distinguishable from a
// failure by status alone.
func (s *State) FinishRun(runID, status string, records int64, latestError string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, records_completed = ?, latest_error = ?, completed_at = ?
		WHERE id = ?
	`, status, records, latestError, time.Now().UTC().Format(timeLayout), runID)
	return err
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var start, end, startedAt, completedAt, latestErr, backfillID sql.NullString
	err := row.Scan(&r.ID, &backfillID, &r.Model, &r.TeamID, &r.Destination,
		&start, &end, &r.Status, &r.Attempt, &r.RecordsCompleted, &latestErr, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.BackfillID = backfillID.String
	r.LatestError = latestErr.String
	if start.Valid {
		t, _ := time.Parse(timeLayout, start.String)
		r.IntervalStart = &t
	}
	if end.Valid {
		t, _ := time.Parse(timeLayout, end.String)
		r.IntervalEnd = &t
	}
	if startedAt.Valid {
		r.StartedAt, _ = time.Parse(timeLayout, startedAt.String)
	}
	if completedAt.Valid {
		t, _ := time.Parse(timeLayout, completedAt.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

const runColumns = `id, backfill_id, model, team_id, destination, interval_start, interval_end,
	status, attempt, records_completed, latest_error, started_at, completed_at`

// GetRun fetches one run by id, or nil when unknown.
func (s *State) GetRun(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRuns returns recent runs, newest first. A non-empty backfillID
// filters to one backfill group.
func (s *State) ListRuns(backfillID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if backfillID != "" {
		query += ` WHERE backfill_id = ?`
		args = append(args, backfillID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
