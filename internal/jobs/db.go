// Package jobs runs finalize requests in the background and records them in SQLite.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '{}',
	summary     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Payload is what the finalize request asked for. A nil Routes means the
// caller did not send the authoritative route list.
type Payload struct {
	Routes            []string                  `json:"allCollectedRoutes"`
	PipelineSignature *models.PipelineSignature `json:"pipelineSignature,omitempty"`
}

// Summary is the outcome of a successful promotion.
type Summary struct {
	Pages               int      `json:"pages"`
	Added               []string `json:"added"`
	Updated             []string `json:"updated"`
	Unchanged           int      `json:"unchanged"`
	Preserved           int      `json:"preserved"`
	Removed             []string `json:"removed"`
	Collisions          []string `json:"collisions,omitempty"`
	AssetsCopied        int      `json:"assetsCopied"`
	AssetsDeleted       int      `json:"assetsDeleted"`
	AssetDeleteFailures []string `json:"assetDeleteFailures,omitempty"`
	MissingAssets       []string `json:"missingAssets,omitempty"`
}

// Job is one finalize request.
type Job struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Payload    Payload    `json:"payload"`
	Summary    *Summary   `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// DB is the job ledger.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("jobs: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobs: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobs: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection; used by readiness probes.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Create inserts a new job.
func (db *DB) Create(j *Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("jobs: encode payload: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO jobs (id, session_id, status, attempts, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.SessionID, string(j.Status), j.Attempts, string(payload), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobs: insert: %w", err)
	}
	return nil
}

// MarkRunning moves a job to running and bumps its attempt counter.
func (db *DB) MarkRunning(id string, at time.Time) error {
	return db.update(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusRunning), at, at, id)
}

// MarkSucceeded records a successful promotion.
func (db *DB) MarkSucceeded(id string, s Summary, at time.Time) error {
	summary, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("jobs: encode summary: %w", err)
	}
	return db.update(`
		UPDATE jobs SET status = ?, summary = ?, error = '', finished_at = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusSucceeded), string(summary), at, at, id)
}

// MarkFailed records a failed promotion with its error message.
func (db *DB) MarkFailed(id, msg string, at time.Time) error {
	return db.update(`
		UPDATE jobs SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusFailed), msg, at, at, id)
}

func (db *DB) update(query string, args ...any) error {
	res, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("jobs: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobs: update: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// FailInterrupted marks every queued or running job failed. Called at startup:
// their staging may be half consumed and nobody is working on them anymore.
func (db *DB) FailInterrupted(at time.Time) (int64, error) {
	res, err := db.conn.Exec(`
		UPDATE jobs SET status = ?, error = 'interrupted', finished_at = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, string(StatusFailed), at, at, string(StatusQueued), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("jobs: fail interrupted: %w", err)
	}
	return res.RowsAffected()
}

const selectJob = `
	SELECT id, session_id, status, attempts, payload, summary, error,
	       created_at, updated_at, started_at, finished_at
	FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j                 Job
		status            string
		payload, summary  string
		started, finished sql.NullTime
	)
	if err := s.Scan(&j.ID, &j.SessionID, &status, &j.Attempts, &payload, &summary, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("jobs: decode payload of %s: %w", j.ID, err)
	}
	if summary != "" {
		j.Summary = &Summary{}
		if err := json.Unmarshal([]byte(summary), j.Summary); err != nil {
			return nil, fmt.Errorf("jobs: decode summary of %s: %w", j.ID, err)
		}
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// Get returns a job by id, or apperr.ErrNotFound.
func (db *DB) Get(id string) (*Job, error) {
	j, err := scanJob(db.conn.QueryRow(selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

// List returns the most recent jobs, newest first. sessionID filters when non-empty.
func (db *DB) List(sessionID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectJob
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobs: list: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
