package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

// SQLiteStore keeps the snapshot as a single row. Each Save replaces the row
// inside one transaction, so readers see either the old or the new snapshot.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=FULL;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS job_state (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL,
		state_json     TEXT    NOT NULL,
		updated_at     INTEGER NOT NULL
	);`)
	return err
}

// Load returns the stored snapshot or job.New() when the table is empty.
func (s *SQLiteStore) Load(ctx context.Context) (types.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.JobState{}, ErrClosed
	}

	var (
		version int
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, state_json FROM job_state WHERE id = 1`).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return job.New(), nil
	}
	if err != nil {
		return types.JobState{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if version != SchemaVersion {
		return types.JobState{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, version, SchemaVersion)
	}
	return decodeSnapshot([]byte(raw))
}

// Save validates state and upserts the single snapshot row.
func (s *SQLiteStore) Save(ctx context.Context, state types.JobState) error {
	state = job.Normalize(state)
	if err := job.Validate(state); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}
	raw, err := encodeSnapshot(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO job_state (id, schema_version, state_json, updated_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		schema_version = excluded.schema_version,
		state_json     = excluded.state_json,
		updated_at     = excluded.updated_at`,
		SchemaVersion, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
