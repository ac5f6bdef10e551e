// Package store persists the single batch job snapshot.
//
// A Store exposes whole-snapshot semantics only: Load returns the last fully
// written JobState and Save replaces it atomically. Readers never observe a
// partially written snapshot.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/docbatch/pkg/types"
)

// SchemaVersion is the current snapshot schema.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrClosed              = errors.New("store is closed")
)

// Store loads and saves the job snapshot.
type Store interface {
	// Load returns the persisted state, or the initial idle state when
	// nothing has been saved yet.
	Load(ctx context.Context) (types.JobState, error)
	// Save validates and atomically replaces the persisted state.
	Save(ctx context.Context, state types.JobState) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// Open returns the store selected by driver. lock only applies to the file driver.
func Open(ctx context.Context, driver, path string, lock bool) (Store, error) {
	switch driver {
	case DriverFile, "":
		var opts []FileOption
		if !lock {
			opts = append(opts, WithoutLock())
		}
		return NewFileStore(path, opts...)
	case DriverSQLite:
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
