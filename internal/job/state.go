// ============================================================================
// docbatch job state machine
// ============================================================================
//
// Package: internal/job
// File: state.go
// Purpose: Pure transitions over types.JobState. No I/O, no clocks.
//
// State machine:
//
//	idle ──Ingest──▶ ready ──Begin──▶ processing ──Finish──▶ completed
//	  ▲                ▲                  │  ▲                   │
//	  └──── Reset ─────┴──────────────────┘  └ RecordSuccess /   │
//	                   └──────────── Ingest ◀── RecordFailure ───┘
//
// Every transition returns a new JobState; the input is never mutated, so a
// caller can keep the previous snapshot until the new one is persisted.
//
// ============================================================================

package job

import (
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/docbatch/pkg/types"
)

var (
	// ErrRunInProgress is returned when files are ingested while a run is active.
	ErrRunInProgress = errors.New("a run is in progress")
	// ErrInvalidTransition is returned when a transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrDuplicateFile is returned when the ingested list names a file twice.
	ErrDuplicateFile = errors.New("duplicate file identifier")
	// ErrEmptyFile is returned for an empty file identifier.
	ErrEmptyFile = errors.New("empty file identifier")
	// ErrCursorMismatch is returned when an outcome is recorded for a file that is not at the cursor.
	ErrCursorMismatch = errors.New("file is not at the current index")
	// ErrInvariant is returned by Validate.
	ErrInvariant = errors.New("job state invariant violated")
)

// New returns the initial idle state.
func New() types.JobState {
	return types.JobState{
		Files:     []string{},
		Processed: []string{},
		Failed:    []types.FailedFile{},
		Status:    types.StatusIdle,
	}
}

// Normalize replaces nil slices with empty ones so snapshots round-trip as [] not null.
func Normalize(s types.JobState) types.JobState {
	if s.Files == nil {
		s.Files = []string{}
	}
	if s.Processed == nil {
		s.Processed = []string{}
	}
	if s.Failed == nil {
		s.Failed = []types.FailedFile{}
	}
	if s.Status == "" {
		s.Status = types.StatusIdle
	}
	return s
}

// Ingest replaces the file list and resets all progress.
// Allowed from idle, ready and completed.
func Ingest(s types.JobState, files []string) (types.JobState, error) {
	if s.Status == types.StatusProcessing {
		return s, ErrRunInProgress
	}

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f == "" {
			return s, ErrEmptyFile
		}
		if _, dup := seen[f]; dup {
			return s, fmt.Errorf("%w: %s", ErrDuplicateFile, f)
		}
		seen[f] = struct{}{}
	}

	next := New()
	next.Files = append(next.Files, files...)
	next.Status = types.StatusReady
	return next, nil
}

// Begin moves a ready job to processing. A job that is already processing
// is returned unchanged so an interrupted run resumes at its cursor.
func Begin(s types.JobState) (types.JobState, error) {
	switch s.Status {
	case types.StatusReady, types.StatusProcessing:
		next := s.Clone()
		next.Status = types.StatusProcessing
		return next, nil
	default:
		return s, fmt.Errorf("%w: cannot start a run from %q", ErrInvalidTransition, s.Status)
	}
}

// Next returns the file at the cursor and whether one remains.
func Next(s types.JobState) (string, bool) {
	if s.CurrentIndex >= len(s.Files) {
		return "", false
	}
	return s.Files[s.CurrentIndex], true
}

// RecordSuccess appends file to Processed and advances the cursor.
func RecordSuccess(s types.JobState, file string) (types.JobState, error) {
	if err := checkCursor(s, file); err != nil {
		return s, err
	}
	next := s.Clone()
	next.Processed = append(next.Processed, file)
	next.CurrentIndex++
	return next, nil
}

// RecordFailure appends {file, msg} to Failed and advances the cursor.
func RecordFailure(s types.JobState, file, msg string) (types.JobState, error) {
	if err := checkCursor(s, file); err != nil {
		return s, err
	}
	next := s.Clone()
	next.Failed = append(next.Failed, types.FailedFile{File: file, Error: msg})
	next.CurrentIndex++
	return next, nil
}

func checkCursor(s types.JobState, file string) error {
	if s.Status != types.StatusProcessing {
		return fmt.Errorf("%w: cannot record an outcome while %q", ErrInvalidTransition, s.Status)
	}
	cur, ok := Next(s)
	if !ok || cur != file {
		return fmt.Errorf("%w: %s", ErrCursorMismatch, file)
	}
	return nil
}

// Finish marks a processing job whose cursor reached the end as completed.
func Finish(s types.JobState) (types.JobState, error) {
	if s.Status != types.StatusProcessing {
		return s, fmt.Errorf("%w: cannot complete from %q", ErrInvalidTransition, s.Status)
	}
	if s.CurrentIndex != len(s.Files) {
		return s, fmt.Errorf("%w: %d of %d files remain", ErrInvalidTransition, len(s.Files)-s.CurrentIndex, len(s.Files))
	}
	next := s.Clone()
	next.Status = types.StatusCompleted
	return next, nil
}

// Validate checks the snapshot invariants.
func Validate(s types.JobState) error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, s.Status)
	}
	if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Files) {
		return fmt.Errorf("%w: current_index %d outside [0,%d]", ErrInvariant, s.CurrentIndex, len(s.Files))
	}
	if s.Status == types.StatusCompleted && s.CurrentIndex != len(s.Files) {
		return fmt.Errorf("%w: completed with current_index %d of %d", ErrInvariant, s.CurrentIndex, len(s.Files))
	}
	if len(s.Processed)+len(s.Failed) != s.CurrentIndex {
		return fmt.Errorf("%w: %d processed + %d failed != current_index %d",
			ErrInvariant, len(s.Processed), len(s.Failed), s.CurrentIndex)
	}

	done := make(map[string]int, s.CurrentIndex)
	for _, f := range s.Files[:s.CurrentIndex] {
		done[f] = 0
	}
	for _, f := range s.Processed {
		if _, ok := done[f]; !ok {
			return fmt.Errorf("%w: processed file %q was not before the cursor", ErrInvariant, f)
		}
		done[f]++
	}
	for _, f := range s.Failed {
		if _, ok := done[f.File]; !ok {
			return fmt.Errorf("%w: failed file %q was not before the cursor", ErrInvariant, f.File)
		}
		done[f.File]++
	}
	for f, n := range done {
		if n != 1 {
			return fmt.Errorf("%w: file %q accounted %d times", ErrInvariant, f, n)
		}
	}
	return nil
}

// Report computes the status view of s.
func Report(s types.JobState) types.StatusReport {
	total := len(s.Files)
	progress := 0.0
	if total > 0 {
		progress = math.Round(float64(s.CurrentIndex)/float64(total)*100*100) / 100
	}
	return types.StatusReport{
		Status:      s.Status,
		Total:       total,
		Current:     s.CurrentIndex,
		Progress:    progress,
		Processed:   len(s.Processed),
		Failed:      len(s.Failed),
		FailedFiles: append([]types.FailedFile{}, s.Failed...),
	}
}
