package store

// ============================================================================
// FileStore
// Responsibility:
// 1. Serialize the job snapshot to an indented JSON file
// 2. Atomic replace: write path.tmp, fsync, rename over path
// 3. Verify schema version and invariants on load
// 4. Cross-process exclusion through an advisory lock on path.lock
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

// snapshotFile is the on-disk layout. JobState fields are inlined so the
// file stays readable as a plain job state document.
type snapshotFile struct {
	SchemaVersion int `json:"schema_version"`
	types.JobState
}

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	path   string
	lock   *flock.Flock // nil when locking is disabled
	mu     sync.Mutex
	closed bool
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithoutLock disables the path.lock advisory lock.
func WithoutLock() FileOption {
	return func(s *FileStore) { s.lock = nil }
}

// NewFileStore returns a store writing to path, creating its directory.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	s := &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields job.New().
func (s *FileStore) Load(ctx context.Context) (types.JobState, error) {
	if err := ctx.Err(); err != nil {
		return types.JobState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.JobState{}, ErrClosed
	}

	if s.lock != nil {
		if err := s.lock.RLock(); err != nil {
			return types.JobState{}, fmt.Errorf("failed to acquire read lock: %w", err)
		}
		defer func() { _ = s.lock.Unlock() }()
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.New(), nil
		}
		return types.JobState{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

// Save writes state atomically.
func (s *FileStore) Save(ctx context.Context, state types.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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

	if s.lock != nil {
		if err := s.lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire write lock: %w", err)
		}
		defer func() { _ = s.lock.Unlock() }()
	}

	return writeAtomic(s.path, raw)
}

// Close releases the store. Further calls return ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func encodeSnapshot(state types.JobState) ([]byte, error) {
	raw, err := json.MarshalIndent(snapshotFile{SchemaVersion: SchemaVersion, JobState: state}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return raw, nil
}

// decodeSnapshot accepts schema version 0 (a bare job state document without
// the version field) as version 1.
func decodeSnapshot(raw []byte) (types.JobState, error) {
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.JobState{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVersion != 0 && snap.SchemaVersion != SchemaVersion {
		return types.JobState{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVersion, SchemaVersion)
	}
	state := job.Normalize(snap.JobState)
	if err := job.Validate(state); err != nil {
		return types.JobState{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return state, nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
