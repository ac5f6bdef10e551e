package job

import (
	"testing"

	"github.com/ChuLiYu/docbatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// mustBegin ingests files into a fresh state and begins a run.
func mustBegin(t *testing.T, files ...string) types.JobState {
	t.Helper()
	s, err := Ingest(New(), files)
	require.NoError(t, err)
	s, err = Begin(s)
	require.NoError(t, err)
	return s
}

// ============================================================================
// Transition Tests
// ============================================================================

func TestNew(t *testing.T) {
	s := New()
	assert.Equal(t, types.StatusIdle, s.Status)
	assert.NotNil(t, s.Files)
	assert.NotNil(t, s.Processed)
	assert.NotNil(t, s.Failed)
	assert.NoError(t, Validate(s))
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name    string
		from    types.JobStatus
		files   []string
		wantErr error
	}{
		{"from idle", types.StatusIdle, []string{"a.pdf", "b.pdf"}, nil},
		{"from ready", types.StatusReady, []string{"a.pdf"}, nil},
		{"from completed", types.StatusCompleted, []string{"a.pdf"}, nil},
		{"empty list", types.StatusIdle, []string{}, nil},
		{"while processing", types.StatusProcessing, []string{"a.pdf"}, ErrRunInProgress},
		{"duplicate", types.StatusIdle, []string{"a.pdf", "a.pdf"}, ErrDuplicateFile},
		{"empty identifier", types.StatusIdle, []string{""}, ErrEmptyFile},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prev := New()
			prev.Status = tc.from

			next, err := Ingest(prev, tc.files)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, tc.from, next.Status, "failed ingest must not change status")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusReady, next.Status)
			assert.Equal(t, tc.files, next.Files)
			assert.Zero(t, next.CurrentIndex)
			assert.Empty(t, next.Processed)
			assert.Empty(t, next.Failed)
		})
	}
}

func TestIngestReplacesPreviousRun(t *testing.T) {
	s := mustBegin(t, "a.pdf", "b.pdf")
	s, err := RecordSuccess(s, "a.pdf")
	require.NoError(t, err)
	s, err = RecordFailure(s, "b.pdf", "boom")
	require.NoError(t, err)
	s, err = Finish(s)
	require.NoError(t, err)

	s, err = Ingest(s, []string{"c.pdf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c.pdf"}, s.Files)
	assert.Zero(t, s.CurrentIndex)
	assert.Empty(t, s.Processed)
	assert.Empty(t, s.Failed)
}

func TestBegin(t *testing.T) {
	for _, st := range []types.JobStatus{types.StatusIdle, types.StatusCompleted} {
		s := New()
		s.Status = st
		_, err := Begin(s)
		assert.ErrorIs(t, err, ErrInvalidTransition, "begin from %s", st)
	}

	s := mustBegin(t, "a.pdf", "b.pdf")
	s, err := RecordSuccess(s, "a.pdf")
	require.NoError(t, err)

	// Resuming keeps the cursor.
	resumed, err := Begin(s)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.CurrentIndex)
	assert.Equal(t, types.StatusProcessing, resumed.Status)
}

func TestRecordDoesNotMutateInput(t *testing.T) {
	s := mustBegin(t, "a.pdf", "b.pdf")
	next, err := RecordSuccess(s, "a.pdf")
	require.NoError(t, err)

	assert.Zero(t, s.CurrentIndex)
	assert.Empty(t, s.Processed)
	assert.Equal(t, 1, next.CurrentIndex)
	assert.Equal(t, []string{"a.pdf"}, next.Processed)
}

func TestRecordCursorMismatch(t *testing.T) {
	s := mustBegin(t, "a.pdf", "b.pdf")

	_, err := RecordSuccess(s, "b.pdf")
	assert.ErrorIs(t, err, ErrCursorMismatch)

	ready, err := Ingest(New(), []string{"a.pdf"})
	require.NoError(t, err)
	_, err = RecordFailure(ready, "a.pdf", "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFinish(t *testing.T) {
	s := mustBegin(t, "a.pdf")
	_, err := Finish(s)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot finish with files remaining")

	s, err = RecordSuccess(s, "a.pdf")
	require.NoError(t, err)
	s, err = Finish(s)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, s.Status)
	assert.NoError(t, Validate(s))
}

// ============================================================================
// Invariant Tests
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		state types.JobState
		ok    bool
	}{
		{"initial", New(), true},
		{
			"mid run",
			types.JobState{Files: []string{"a", "b"}, CurrentIndex: 1, Processed: []string{"a"}, Status: types.StatusProcessing},
			true,
		},
		{
			"unknown status",
			types.JobState{Status: "paused"},
			false,
		},
		{
			"cursor out of range",
			types.JobState{Files: []string{"a"}, CurrentIndex: 2, Status: types.StatusProcessing},
			false,
		},
		{
			"completed early",
			types.JobState{Files: []string{"a", "b"}, CurrentIndex: 1, Processed: []string{"a"}, Status: types.StatusCompleted},
			false,
		},
		{
			"file in both lists",
			types.JobState{
				Files: []string{"a", "b"}, CurrentIndex: 2,
				Processed: []string{"a", "a"},
				Status:    types.StatusProcessing,
			},
			false,
		},
		{
			"outcome after cursor",
			types.JobState{Files: []string{"a", "b"}, CurrentIndex: 1, Processed: []string{"b"}, Status: types.StatusProcessing},
			false,
		},
		{
			"file neither processed nor failed",
			types.JobState{Files: []string{"a"}, CurrentIndex: 1, Status: types.StatusProcessing},
			false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.state)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvariant)
			}
		})
	}
}

func TestEveryFileAccountedOnce(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}
	s := mustBegin(t, files...)

	for i, f := range files {
		var err error
		if i%2 == 0 {
			s, err = RecordSuccess(s, f)
		} else {
			s, err = RecordFailure(s, f, "bad")
		}
		require.NoError(t, err)
		require.NoError(t, Validate(s))
	}
	s, err := Finish(s)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, f := range s.Processed {
		seen[f]++
	}
	for _, f := range s.Failed {
		seen[f.File]++
	}
	assert.Len(t, seen, len(files))
	for _, f := range files {
		assert.Equal(t, 1, seen[f], f)
	}
}

// ============================================================================
// Report Tests
// ============================================================================

func TestReportProgress(t *testing.T) {
	assert.Equal(t, 0.0, Report(New()).Progress)

	s := mustBegin(t, "a", "b", "c", "d")
	s, err := RecordSuccess(s, "a")
	require.NoError(t, err)

	r := Report(s)
	assert.Equal(t, 25.0, r.Progress)
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 1, r.Current)
	assert.Equal(t, 1, r.Processed)

	s3 := mustBegin(t, "a", "b", "c")
	s3, err = RecordSuccess(s3, "a")
	require.NoError(t, err)
	assert.Equal(t, 33.33, Report(s3).Progress)
}

func TestReportIsCopy(t *testing.T) {
	s := mustBegin(t, "a")
	s, err := RecordFailure(s, "a", "nope")
	require.NoError(t, err)

	r := Report(s)
	r.FailedFiles[0].Error = "changed"
	assert.Equal(t, "nope", s.Failed[0].Error)
}
