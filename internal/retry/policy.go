// Package retry decides whether and how long to wait before retrying a
// failed conversion attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	// DefaultMaxAttempts is the attempt budget per file.
	DefaultMaxAttempts = 3
	// DefaultBase is the exponential backoff base.
	DefaultBase = 2
	// DefaultUnit is the duration of one backoff time unit.
	DefaultUnit = time.Second
	// DefaultMaxBackoff caps a single wait.
	DefaultMaxBackoff = 10 * time.Minute
	// MaxAttemptsLimit is the largest attempt budget accepted per file.
	MaxAttemptsLimit = 100
)

// ErrExhausted matches every error returned by Exhausted.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a pure function of attempt index and attempt budget; it holds no
// state across files.
type Policy struct {
	MaxAttempts int
	Base        int
	Unit        time.Duration
	// MaxBackoff caps one wait; zero means DefaultMaxBackoff.
	MaxBackoff time.Duration

	// Classify stops retrying early for errors marked Permanent.
	Classify bool
}

// DefaultPolicy returns the 3 attempts, 2^n seconds policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		Unit:        DefaultUnit,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

// WithMaxAttempts returns a copy of p with a different budget. Values below 1
// keep the current budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n >= 1 {
		p.MaxAttempts = n
	}
	return p
}

// Backoff returns the wait before attempt n+1, given that attempt n (0-indexed)
// failed. The result never exceeds MaxBackoff.
func (p Policy) Backoff(n int) time.Duration {
	base := p.Base
	if base < 1 {
		base = DefaultBase
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if n < 0 {
		n = 0
	}
	// float math so large n saturates instead of wrapping
	d := math.Pow(float64(base), float64(n)) * float64(p.Unit)
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt follows failed attempt n.
func (p Policy) ShouldRetry(n int, err error) bool {
	if n+1 >= p.MaxAttempts {
		return false
	}
	if p.Classify && IsPermanent(err) {
		return false
	}
	return true
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentError marks an error that retrying cannot fix (bad input, bad credential).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is the definitive failure of a file. Its message is the
// last attempt's message.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string        { return e.Err.Error() }
func (e *ExhaustedError) Unwrap() error        { return e.Err }
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Exhausted wraps the last error of a file that will not be retried.
func Exhausted(err error, attempts int) error {
	if err == nil {
		return nil
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}
