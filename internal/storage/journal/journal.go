package journal

// ============================================================================
// Job Journal
// Responsibility:
// 1. Append job events to an append-only JSON-lines file
// 2. Replay events with checksum verification (audit / history)
// 3. Tolerate a torn trailing line left by a crash mid-append
//
// Several processes may hold the same journal open (docbatch serve next to
// a one-shot CLI command). Every append takes an exclusive flock on
// path.lock, reads whatever other writers appended since, and writes with
// O_APPEND, so records never interleave and sequence numbers stay unique.
//
// The snapshot in internal/store is the source of truth for job state; the
// journal records how the job got there.
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Journal is an append-only event log.
type Journal struct {
	mu     sync.Mutex
	file   FileInterface
	lock   *flock.Flock
	path   string
	seq    uint64
	end    int64 // offset just past the last record seen by this Journal
	closed bool
	now    func() time.Time
}

// Open opens or creates the journal at path and continues its sequence.
// A torn trailing record left by a crash is truncated away.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("journal: lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &Journal{
		file: file,
		lock: lock,
		path: path,
		now:  time.Now,
	}
	if err := j.catchUp(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// catchUp reads the records appended after j.end, by this or another
// process, and drops a torn tail. The exclusive lock must be held.
func (j *Journal) catchUp() error {
	end, err := replay(j.path, j.end, func(e Event) error {
		j.seq = e.Seq
		return nil
	})
	if err != nil {
		return err
	}
	fi, err := os.Stat(j.path)
	if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}
	if fi.Size() > end {
		// writers hold the lock for the whole append, so this is a crash leftover
		if err := j.file.Truncate(end); err != nil {
			return fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	j.end = end
	return nil
}

// Append writes one event and syncs it to disk. Seq, Timestamp and
// Checksum are assigned here.
func (j *Journal) Append(e Event) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Event{}, ErrClosed
	}

	if err := j.lock.Lock(); err != nil {
		return Event{}, fmt.Errorf("journal: lock: %w", err)
	}
	defer func() { _ = j.lock.Unlock() }()

	if err := j.catchUp(); err != nil {
		return Event{}, err
	}

	e.Seq = j.seq + 1
	e.Timestamp = j.now().UnixMilli()
	e.Checksum = Checksum(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("journal: marshal seq=%d: %w", e.Seq, err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("journal: append seq=%d: %w", e.Seq, err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	j.seq = e.Seq
	j.end += int64(len(line))
	return e, nil
}

// Replay calls handler for every event in order, including events appended
// by other processes.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.lock.RLock(); err != nil {
			return fmt.Errorf("journal: lock: %w", err)
		}
		defer func() { _ = j.lock.Unlock() }()
	}
	return ReplayFile(j.path, handler)
}

// LastSeq returns the sequence number of the most recent event this
// Journal has written or read.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal. A closed journal rejects appends.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	err := j.file.Close()
	if cerr := j.lock.Unlock(); err == nil {
		err = cerr
	}
	return err
}

// ReplayFile reads the journal at path, verifying checksums. A missing file
// replays nothing. A malformed final line is treated as a torn write and
// skipped; a malformed line followed by more data is corruption.
func ReplayFile(path string, handler EventHandler) error {
	_, err := replay(path, 0, handler)
	return err
}

// replay reads records starting at offset from and returns the offset just
// past the last intact record.
func replay(path string, from int64, handler EventHandler) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return from, nil
		}
		return from, fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return from, fmt.Errorf("journal: seek: %w", err)
	}
	r := bufio.NewReader(f)
	offset, end := from, from
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				if readErr == io.EOF {
					// torn trailing write
					return end, nil
				}
				return end, &CorruptionError{Offset: offset, Cause: err}
			}
			if readErr == io.EOF {
				// complete JSON but no newline: still a torn write
				return end, nil
			}
			if want := Checksum(e); want != e.Checksum {
				return end, &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
			}
			if err := handler(e); err != nil {
				return end, err
			}
		}
		offset += int64(len(line))
		if readErr == nil {
			end = offset
		}

		if readErr == io.EOF {
			return end, nil
		}
		if readErr != nil {
			return end, fmt.Errorf("journal: read: %w", readErr)
		}
	}
}
