// Package storage keeps an audit trail of scan jobs in SQLite. Only job
// metadata is stored; image bytes never touch the database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"scanbridge/scan"
)

const schemaVersion = 1

// ErrInvalidJob is returned for jobs without an id.
var ErrInvalidJob = errors.New("scan job id is required")

// Logger interface for storage operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var storageLogger Logger

// SetLogger sets the logger for the storage package
func SetLogger(logger Logger) {
	storageLogger = logger
}

// JobRecord is one row of the scan_jobs table.
type JobRecord struct {
	ID           string
	ConnectionID string
	RequestedID  string
	ResolvedID   string
	Backend      string
	StartedAt    time.Time
	DurationMS   int64
	Outcome      string
	ErrorKind    string
	ErrorDetail  string
	PayloadBytes int
}

// Outcomes stored in JobRecord.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Store is the SQLite-backed scan job audit.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at dbPath. An empty path uses
// an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, so pin it to one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_jobs (
		id TEXT PRIMARY KEY,
		connection_id TEXT,
		requested_id TEXT,
		resolved_id TEXT,
		backend TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		error_kind TEXT,
		error_detail TEXT,
		payload_bytes INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_scan_jobs_started ON scan_jobs(started_at);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		schemaVersion, time.Now().UTC(),
	)
	return err
}

// Path returns the database location.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordJob stores a finished scan job.
func (s *Store) RecordJob(ctx context.Context, job scan.Job) error {
	rec := JobRecord{
		ID:           job.ID,
		ConnectionID: job.ConnectionID,
		RequestedID:  job.RequestedID,
		ResolvedID:   job.ResolvedID,
		Backend:      job.Backend,
		StartedAt:    job.StartedAt,
		DurationMS:   job.Duration.Milliseconds(),
		Outcome:      OutcomeSuccess,
		PayloadBytes: job.PayloadBytes,
	}
	if !job.Success {
		rec.Outcome = OutcomeError
		rec.ErrorKind = string(job.ErrorKind)
		rec.ErrorDetail = job.ErrorDetail
	}
	return s.Record(ctx, rec)
}

// Record inserts rec.
func (s *Store) Record(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return ErrInvalidJob
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	query := `
		INSERT INTO scan_jobs (
			id, connection_id, requested_id, resolved_id, backend, started_at,
			duration_ms, outcome, error_kind, error_detail, payload_bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ConnectionID, rec.RequestedID, rec.ResolvedID, rec.Backend, rec.StartedAt.UTC(),
		rec.DurationMS, rec.Outcome, rec.ErrorKind, rec.ErrorDetail, rec.PayloadBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to record scan job: %w", err)
	}

	if storageLogger != nil {
		storageLogger.Debug("Scan job recorded", "id", rec.ID, "outcome", rec.Outcome, "kind", rec.ErrorKind)
	}
	return nil
}

// Recent lists jobs newest first. A non-positive limit returns all rows.
func (s *Store) Recent(ctx context.Context, limit int) ([]JobRecord, error) {
	query := `
		SELECT id, connection_id, requested_id, resolved_id, backend, started_at,
			duration_ms, outcome, error_kind, error_detail, payload_bytes
		FROM scan_jobs
		ORDER BY started_at DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var (
			rec                                     JobRecord
			connID, requested, resolved, kind, detl sql.NullString
		)
		if err := rows.Scan(&rec.ID, &connID, &requested, &resolved, &rec.Backend, &rec.StartedAt,
			&rec.DurationMS, &rec.Outcome, &kind, &detl, &rec.PayloadBytes); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		rec.ConnectionID = connID.String
		rec.RequestedID = requested.String
		rec.ResolvedID = resolved.String
		rec.ErrorKind = kind.String
		rec.ErrorDetail = detl.String
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

// Prune deletes jobs that started before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scan_jobs WHERE started_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune scan jobs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
