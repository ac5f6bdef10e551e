package controller

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/internal/retry"
)

var (
	// ErrNotConfigured is returned by Run when the conversion service lacks
	// its credential. No state is changed.
	ErrNotConfigured = errors.New("conversion service is not configured")

	// ErrNoFiles is returned by Run when the job has no files. No state is changed.
	ErrNoFiles = errors.New("no files to process")

	// ErrRunInProgress is returned when a run is active, or when files are
	// ingested while the persisted job is mid-run.
	ErrRunInProgress = job.ErrRunInProgress

	// ErrInvalidMaxAttempts is returned by Run for an attempt budget above
	// retry.MaxAttemptsLimit. No state is changed.
	ErrInvalidMaxAttempts = fmt.Errorf("max_attempts must be between 1 and %d", retry.MaxAttemptsLimit)

	// ErrInvalidState is returned by Run when the job is neither ready nor
	// processing (for example, already completed).
	ErrInvalidState = errors.New("job cannot run in its current state")

	// ErrDuplicateFile is returned by Ingest when a file is listed twice.
	ErrDuplicateFile = job.ErrDuplicateFile

	// ErrEmptyFile is returned by Ingest for an empty file identifier.
	ErrEmptyFile = job.ErrEmptyFile

	// ErrOutputNotFound is returned by FetchOutput.
	ErrOutputNotFound = errors.New("output not found")

	// ErrInterrupted wraps the context error of a run stopped between files.
	ErrInterrupted = errors.New("run interrupted")
)

// StoreError is a persistence failure. A run that hits one stops
// immediately; it never continues with unpersisted state.
type StoreError struct {
	Op  string // load | save
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err is or wraps a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
