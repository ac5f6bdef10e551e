// ============================================================================
// docbatch Controller - batch job lifecycle
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Owns the single batch job. Ingests file lists, runs the
// conversion loop file by file, persists after every file and answers
// status queries.
//
// Collaborators (all injected, no globals):
//   - Store: whole-snapshot persistence (source of truth)
//   - Invoker: per-file conversion with retry, returns a tagged Outcome
//   - Blobs: input paths and the output sink (optional)
//   - Journal: append-only audit trail (optional, failures are logged only)
//   - Metrics: Prometheus collector (optional)
//
// Run loop:
//
//	load ─▶ Begin ─▶ save ─▶ ┌─ ctx done? ───────────────▶ interrupted
//	                         ├─ Next(file)  none ───────▶ Finish ─▶ save
//	                         ├─ Invoke(file)
//	                         │    canceled ─────────────▶ interrupted
//	                         ├─ RecordSuccess / RecordFailure
//	                         └─ save (StoreError stops the run)
//
// Crash semantics:
//   The cursor only advances in a saved snapshot, so a crash between the
//   converter returning and the save reprocesses that one file on resume
//   (at-least-once per file). Files before the cursor are never retried.
//
// Interruption:
//   Cancelling the run context stops the loop between files or during a
//   backoff wait. The status stays processing and the next Run resumes at
//   the persisted cursor.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/invoker"
	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/internal/metrics"
	"github.com/ChuLiYu/docbatch/internal/retry"
	"github.com/ChuLiYu/docbatch/internal/storage/journal"
	"github.com/ChuLiYu/docbatch/internal/store"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

// Invoker converts one file. *invoker.Invoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, req converter.Request, maxAttempts int) invoker.Outcome
	Ready() error
}

// Blobs resolves input paths and stores outputs. *blobstore.Store implements it.
type Blobs interface {
	Path(file string) string
	OutputName(file string) string
	WriteOutput(file, text string) (string, error)
	ReadOutput(name string) ([]byte, string, error)
	Purge() error
}

// Options wires a Controller. Store and Invoker are required.
type Options struct {
	Store   store.Store
	Invoker Invoker
	Blobs   Blobs
	Journal *journal.Journal
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// DefaultProfile is used when RunOptions.Profile is empty.
	DefaultProfile string
	// Profiles maps profile names to assistant references. A profile that
	// is not a known name is passed to the converter as is.
	Profiles map[string]string
	// DefaultMaxAttempts is used when RunOptions.MaxAttempts < 1.
	DefaultMaxAttempts int

	newRunID func() string
}

// RunOptions parameterise one run.
type RunOptions struct {
	Profile     string
	MaxAttempts int
	// OnProgress is called with the persisted status after Begin and after
	// every file.
	OnProgress func(types.StatusReport)
}

// IngestResult acknowledges an ingest.
type IngestResult struct {
	Count int      `json:"count"`
	Files []string `json:"files"`
}

// Controller is the single writer of the job state.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("controller: invoker is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.newRunID == nil {
		opts.newRunID = func() string { return uuid.New().String() }
	}
	return &Controller{opts: opts, log: opts.Logger}, nil
}

// Ingest replaces the job's file list and resets progress. It is rejected
// while a run is active or the persisted job is mid-run.
func (c *Controller) Ingest(ctx context.Context, files []string) (IngestResult, error) {
	return c.IngestWith(ctx, files, nil)
}

// IngestWith is Ingest with a prepare step. prepare runs once the ingest is
// known to be accepted and before the new state is saved, with no run able
// to start in between; a prepare error leaves the state untouched.
func (c *Controller) IngestWith(ctx context.Context, files []string, prepare func() error) (IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return IngestResult{}, ErrRunInProgress
	}

	s, err := c.load(ctx)
	if err != nil {
		return IngestResult{}, err
	}
	next, err := job.Ingest(s, files)
	if err != nil {
		return IngestResult{}, err
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return IngestResult{}, fmt.Errorf("prepare ingest: %w", err)
		}
	}
	if err := c.save(ctx, next); err != nil {
		return IngestResult{}, err
	}

	c.journal(journal.Event{Type: journal.EventIngest, Count: len(next.Files)})
	c.opts.Metrics.RecordIngest(len(next.Files))
	c.opts.Metrics.ObserveStatus(job.Report(next))
	c.log.Info("job.ingested", "files", len(next.Files))

	return IngestResult{Count: len(next.Files), Files: append([]string{}, next.Files...)}, nil
}

// Run processes files from the persisted cursor to the end.
//
// Errors: ErrInvalidMaxAttempts, ErrRunInProgress, ErrNotConfigured,
// ErrNoFiles and ErrInvalidState leave the state untouched. A *StoreError aborts the run. A cancelled ctx
// returns the partial summary and an error wrapping ErrInterrupted and
// ctx.Err(). Per-file failures are reported in the summary, never as errors.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (types.RunSummary, error) {
	if opts.MaxAttempts > retry.MaxAttemptsLimit {
		return types.RunSummary{}, fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, opts.MaxAttempts)
	}
	runCtx, done, err := c.beginRun(ctx)
	if err != nil {
		return types.RunSummary{}, err
	}
	defer done()

	if err := c.opts.Invoker.Ready(); err != nil {
		return types.RunSummary{}, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	loadStart := time.Now()
	s, err := c.load(runCtx)
	if err != nil {
		return types.RunSummary{}, err
	}
	c.opts.Metrics.SetLoadTime(time.Since(loadStart))

	if len(s.Files) == 0 {
		return types.RunSummary{}, ErrNoFiles
	}
	if s.Status != types.StatusReady && s.Status != types.StatusProcessing {
		return types.RunSummary{}, fmt.Errorf("%w: status is %s", ErrInvalidState, s.Status)
	}

	profile := opts.Profile
	if profile == "" {
		profile = c.opts.DefaultProfile
	}
	profileName := profile
	if ref, ok := c.opts.Profiles[profile]; ok {
		profile = ref
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.opts.DefaultMaxAttempts
	}

	runID := c.opts.newRunID()
	log := c.log.With("run_id", runID)
	resumed := s.Status == types.StatusProcessing

	s, err = job.Begin(s)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := c.save(runCtx, s); err != nil {
		return summarize(runID, s), c.abort(log, err)
	}
	c.journal(journal.Event{Type: journal.EventStart, RunID: runID, Index: s.CurrentIndex, Count: len(s.Files)})
	log.Info("run.start",
		"files", len(s.Files),
		"cursor", s.CurrentIndex,
		"resumed", resumed,
		"profile", profileName,
		"profile_ref", profile,
		"max_attempts", maxAttempts,
	)
	c.progress(opts, s)

	for {
		if err := runCtx.Err(); err != nil {
			return summarize(runID, s), c.interrupted(log, runID, s, err)
		}
		file, ok := job.Next(s)
		if !ok {
			break
		}

		start := time.Now()
		req := converter.Request{File: file, Path: c.inputPath(file), Profile: profile}
		out := c.opts.Invoker.Invoke(runCtx, req, maxAttempts)
		if out.Canceled {
			return summarize(runID, s), c.interrupted(log, runID, s, out.Err)
		}

		index := s.CurrentIndex
		var (
			next    types.JobState
			failMsg string
		)
		if out.OK() {
			failMsg = c.writeOutput(file, out.Text)
		} else {
			failMsg = out.Err.Error()
		}
		if failMsg == "" {
			next, err = job.RecordSuccess(s, file)
		} else {
			next, err = job.RecordFailure(s, file, failMsg)
		}
		if err != nil {
			// only reachable if the loop and the state machine disagree
			return summarize(runID, s), fmt.Errorf("record %s: %w", file, err)
		}

		// The outcome is only durable once saved; use a context that the
		// run's cancellation cannot interrupt mid-save.
		if err := c.save(context.WithoutCancel(runCtx), next); err != nil {
			return summarize(runID, s), c.abort(log, err)
		}
		s = next

		ok = failMsg == ""
		c.opts.Metrics.RecordFile(ok, out.Attempts, time.Since(start))
		if ok {
			c.journal(journal.Event{Type: journal.EventProcessed, RunID: runID, File: file, Index: index, Attempts: out.Attempts})
			log.Info("file.processed", "file", file, "index", index, "attempts", out.Attempts)
		} else {
			c.journal(journal.Event{Type: journal.EventFailed, RunID: runID, File: file, Index: index, Attempts: out.Attempts, Error: failMsg})
			log.Warn("file.failed", "file", file, "index", index, "attempts", out.Attempts, "error", failMsg)
		}
		c.progress(opts, s)
	}

	s, err = job.Finish(s)
	if err != nil {
		return summarize(runID, s), fmt.Errorf("finish: %w", err)
	}
	if err := c.save(context.WithoutCancel(runCtx), s); err != nil {
		return summarize(runID, s), c.abort(log, err)
	}
	c.journal(journal.Event{Type: journal.EventComplete, RunID: runID, Count: len(s.Files)})
	c.opts.Metrics.RecordRun(metrics.RunCompleted)
	c.progress(opts, s)

	sum := summarize(runID, s)
	log.Info("run.completed", "processed", sum.Processed, "failed", sum.Failed)
	return sum, nil
}

// Status reports progress from the persisted snapshot.
func (c *Controller) Status(ctx context.Context) (types.StatusReport, error) {
	s, err := c.load(ctx)
	if err != nil {
		return types.StatusReport{}, err
	}
	rep := job.Report(s)
	c.opts.Metrics.ObserveStatus(rep)
	return rep, nil
}

// State returns the persisted snapshot.
func (c *Controller) State(ctx context.Context) (types.JobState, error) {
	return c.load(ctx)
}

// Reset discards the job. An active run is cancelled first and Reset waits
// for it to stop. With purge, uploaded inputs and outputs are removed too.
func (c *Controller) Reset(ctx context.Context, purge bool) error {
	for {
		c.mu.Lock()
		if !c.running {
			break // c.mu held
		}
		cancel, done := c.cancelRun, c.runDone
		c.mu.Unlock()

		c.log.Info("reset.cancel_run")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer c.mu.Unlock()

	if err := c.save(ctx, job.New()); err != nil {
		return err
	}
	if purge && c.opts.Blobs != nil {
		if err := c.opts.Blobs.Purge(); err != nil {
			return fmt.Errorf("purge files: %w", err)
		}
	}
	c.journal(journal.Event{Type: journal.EventReset})
	c.opts.Metrics.ObserveStatus(job.Report(job.New()))
	c.log.Info("job.reset", "purge", purge)
	return nil
}

// FetchOutput returns the converted output for a file identifier or an
// output name, and the output name it was found under. Only outputs of
// files the current job processed are served; leftovers from an earlier
// batch are not.
func (c *Controller) FetchOutput(ctx context.Context, file string) ([]byte, string, error) {
	if c.opts.Blobs == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrOutputNotFound, file)
	}
	s, err := c.load(ctx)
	if err != nil {
		return nil, "", err
	}
	data, name, err := c.opts.Blobs.ReadOutput(file)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrOutputNotFound, file)
		}
		return nil, "", err
	}
	for _, f := range s.Processed {
		if c.opts.Blobs.OutputName(f) == name {
			return data, name, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s is not an output of the current job", ErrOutputNotFound, file)
}

// History returns the journal events, oldest first. Without a journal it
// returns nothing.
func (c *Controller) History(ctx context.Context) ([]journal.Event, error) {
	if c.opts.Journal == nil {
		return nil, nil
	}
	var events []journal.Event
	err := c.opts.Journal.Replay(func(e journal.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}

// Running reports whether a run is active in this process.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// beginRun marks a run active and returns its context and a release func.
func (c *Controller) beginRun(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	done := c.runDone

	return runCtx, func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancelRun = nil
		c.runDone = nil
		c.mu.Unlock()
		close(done)
	}, nil
}

func (c *Controller) load(ctx context.Context) (types.JobState, error) {
	s, err := c.opts.Store.Load(ctx)
	if err != nil {
		return types.JobState{}, &StoreError{Op: "load", Err: err}
	}
	return s, nil
}

func (c *Controller) save(ctx context.Context, s types.JobState) error {
	if err := c.opts.Store.Save(ctx, s); err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	return nil
}

func (c *Controller) inputPath(file string) string {
	if c.opts.Blobs == nil {
		return file
	}
	return c.opts.Blobs.Path(file)
}

// writeOutput stores converted text and returns a failure message, or ""
// on success. Without Blobs the text is discarded.
func (c *Controller) writeOutput(file, text string) string {
	if c.opts.Blobs == nil {
		return ""
	}
	if _, err := c.opts.Blobs.WriteOutput(file, text); err != nil {
		return "write output: " + err.Error()
	}
	return ""
}

func (c *Controller) interrupted(log *slog.Logger, runID string, s types.JobState, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	c.journal(journal.Event{Type: journal.EventInterrupted, RunID: runID, Index: s.CurrentIndex, Error: cause.Error()})
	c.opts.Metrics.RecordRun(metrics.RunInterrupted)
	log.Warn("run.interrupted", "cursor", s.CurrentIndex, "files", len(s.Files), "cause", cause)
	return fmt.Errorf("%w at %d/%d: %w", ErrInterrupted, s.CurrentIndex, len(s.Files), cause)
}

func (c *Controller) abort(log *slog.Logger, err error) error {
	c.opts.Metrics.RecordRun(metrics.RunError)
	log.Error("run.aborted", "error", err)
	return err
}

func (c *Controller) progress(opts RunOptions, s types.JobState) {
	rep := job.Report(s)
	c.opts.Metrics.ObserveStatus(rep)
	if opts.OnProgress != nil {
		opts.OnProgress(rep)
	}
}

// journal appends e. The snapshot is the source of truth, so failures are
// only logged.
func (c *Controller) journal(e journal.Event) {
	if c.opts.Journal == nil {
		return
	}
	if _, err := c.opts.Journal.Append(e); err != nil {
		c.log.Warn("journal.append_failed", "type", e.Type, "error", err)
	}
}

func summarize(runID string, s types.JobState) types.RunSummary {
	return types.RunSummary{
		RunID:     runID,
		Processed: len(s.Processed),
		Failed:    len(s.Failed),
		Details:   append([]types.FailedFile{}, s.Failed...),
	}
}
