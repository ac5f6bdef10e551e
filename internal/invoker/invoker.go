// ============================================================================
// docbatch Invoker - per-file conversion with retry
// ============================================================================
//
// Package: internal/invoker
// File: invoker.go
// Function: Calls the converter for one file, retrying failed attempts
// according to a retry.Policy, and returns a tagged Outcome.
//
// Attempt loop:
//
//	for n := 0; ; n++
//	  ├─ attempt ctx (optional per-attempt timeout)
//	  ├─ Convert(req)          ──ok──▶ Outcome{Text}
//	  ├─ parent ctx done?      ──yes─▶ Outcome{Canceled}
//	  ├─ policy.ShouldRetry(n) ──no──▶ Outcome{Err: last error}
//	  └─ sleep Backoff(n)      ──ctx─▶ Outcome{Canceled}
//
// A failure is never returned as a Go error from Invoke: the caller decides
// what a definitive failure means for the job.
//
// ============================================================================

package invoker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/retry"
)

// Outcome is the result of converting one file.
type Outcome struct {
	Text     string
	Err      error // last attempt's error when the file failed definitively
	Attempts int
	Canceled bool // the caller's context ended before a definitive result
}

// OK reports whether the conversion succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.Canceled
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Invoker runs conversions with retry.
type Invoker struct {
	conv    converter.Converter
	policy  retry.Policy
	timeout time.Duration
	sleep   Sleeper
	log     *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout bounds every single attempt.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) { i.timeout = d }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(i *Invoker) { i.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.log = l }
}

// New returns an Invoker calling conv under policy.
func New(conv converter.Converter, policy retry.Policy, opts ...Option) *Invoker {
	inv := &Invoker{
		conv:   conv,
		policy: policy,
		sleep:  retry.Sleep,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.log == nil {
		inv.log = slog.Default()
	}
	return inv
}

// Policy returns the base policy.
func (i *Invoker) Policy() retry.Policy {
	return i.policy
}

// Invoke converts req with at most maxAttempts attempts. maxAttempts < 1
// uses the policy's own limit.
func (i *Invoker) Invoke(ctx context.Context, req converter.Request, maxAttempts int) Outcome {
	policy := i.policy.WithMaxAttempts(maxAttempts)

	var lastErr error
	for n := 0; ; n++ {
		text, err := i.attempt(ctx, req)
		if err == nil {
			if n > 0 {
				i.log.Info("invoke.recovered", "file", req.File, "attempts", n+1)
			}
			return Outcome{Text: text, Attempts: n + 1}
		}
		lastErr = err
		if ctx.Err() != nil {
			return Outcome{Err: ctx.Err(), Attempts: n + 1, Canceled: true}
		}

		if !policy.ShouldRetry(n, err) {
			i.log.Warn("invoke.failed",
				"file", req.File,
				"attempts", n+1,
				"permanent", retry.IsPermanent(err),
				"error", err,
			)
			return Outcome{Err: retry.Exhausted(lastErr, n+1), Attempts: n + 1}
		}

		wait := policy.Backoff(n)
		i.log.Info("invoke.retry",
			"file", req.File,
			"attempt", n+1,
			"max_attempts", policy.MaxAttempts,
			"wait", wait,
			"error", err,
		)
		if err := i.sleep(ctx, wait); err != nil {
			return Outcome{Err: err, Attempts: n + 1, Canceled: true}
		}
	}
}

func (i *Invoker) attempt(ctx context.Context, req converter.Request) (string, error) {
	if i.timeout <= 0 {
		return i.conv.Convert(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return i.conv.Convert(actx, req)
}

// Ready reports whether the converter is configured.
func (i *Invoker) Ready() error {
	return converter.Ready(i.conv)
}
