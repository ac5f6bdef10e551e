package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose checksum does not match its fields.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrCorrupted indicates a record that cannot be parsed.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrClosed indicates the journal is closed.
	ErrClosed = errors.New("journal: already closed")

	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError represents a checksum mismatch at a given sequence number.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents an unparseable record.
type CorruptionError struct {
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
