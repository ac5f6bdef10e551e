// Package types defines the domain model shared across docbatch.
package types

// JobStatus is the lifecycle status of the single active batch job.
type JobStatus string

const (
	StatusIdle       JobStatus = "idle"       // no files ingested
	StatusReady      JobStatus = "ready"      // files ingested, run not started
	StatusProcessing JobStatus = "processing" // run started (or interrupted mid-run)
	StatusCompleted  JobStatus = "completed"  // cursor reached the end of files
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusReady, StatusProcessing, StatusCompleted:
		return true
	}
	return false
}

// FailedFile records the definitive failure of one file.
type FailedFile struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// JobState is the persisted snapshot of the batch job.
//
// Files at index < CurrentIndex appear in exactly one of Processed or Failed.
type JobState struct {
	Files        []string     `json:"files"`
	CurrentIndex int          `json:"current_index"`
	Processed    []string     `json:"processed"`
	Failed       []FailedFile `json:"failed"`
	Status       JobStatus    `json:"status"`
}

// Clone returns a deep copy so callers can mutate without aliasing a
// snapshot that is still referenced elsewhere.
func (s JobState) Clone() JobState {
	out := JobState{
		Files:        append([]string{}, s.Files...),
		CurrentIndex: s.CurrentIndex,
		Processed:    append([]string{}, s.Processed...),
		Failed:       append([]FailedFile{}, s.Failed...),
		Status:       s.Status,
	}
	return out
}

// RunSummary is returned by a run.
type RunSummary struct {
	RunID     string       `json:"run_id"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Details   []FailedFile `json:"details"`
}

// StatusReport is the progress view of the current snapshot.
type StatusReport struct {
	Status      JobStatus    `json:"status"`
	Total       int          `json:"total"`
	Current     int          `json:"current"`
	Progress    float64      `json:"progress"`
	Processed   int          `json:"processed"`
	Failed      int          `json:"failed"`
	FailedFiles []FailedFile `json:"failed_files"`
}
