// Package blobstore keeps uploaded input documents and converted outputs on
// the local filesystem.
//
// Layout:
//
//	{uploads}/
//	  report.pdf
//	  .staging-*/     uploads not yet committed to a job
//	{outputs}/
//	  report.rtf
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultOutputExt is the extension given to converted documents.
const DefaultOutputExt = ".rtf"

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidName = errors.New("invalid file name")
)

// Store is a local content store.
type Store struct {
	uploads   string
	outputs   string
	outputExt string
}

// New creates both directories. An empty outputExt uses DefaultOutputExt.
func New(uploadsDir, outputsDir, outputExt string) (*Store, error) {
	for _, dir := range []string{uploadsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if outputExt == "" {
		outputExt = DefaultOutputExt
	}
	if !strings.HasPrefix(outputExt, ".") {
		outputExt = "." + outputExt
	}
	return &Store{uploads: uploadsDir, outputs: outputsDir, outputExt: outputExt}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeName reduces name to a safe base name: path separators and
// whitespace become underscores, other characters outside [A-Za-z0-9_.-]
// are dropped, and leading or trailing dots and underscores are trimmed.
// The result is empty when nothing usable remains.
func SanitizeName(name string) string {
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// Put stores r as an upload under the sanitized name and returns that name.
func (s *Store) Put(name string, r io.Reader) (string, error) {
	safe := SanitizeName(name)
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := writeAtomic(filepath.Join(s.uploads, safe), r); err != nil {
		return "", err
	}
	return safe, nil
}

// PutFile copies the file at path into the uploads directory.
func (s *Store) PutFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(filepath.Base(path), f)
}

// Staged collects uploads in a private directory under the uploads dir.
// Nothing is visible under Path until Commit, so a rejected batch never
// replaces the inputs of a running job.
type Staged struct {
	store *Store
	dir   string
	names []string
	done  bool
}

// Stage starts a staged batch of uploads.
func (s *Store) Stage() (*Staged, error) {
	dir, err := os.MkdirTemp(s.uploads, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staged{store: s, dir: dir}, nil
}

// Put stages r under the sanitized name and returns that name. Putting the
// same name twice keeps the last content.
func (st *Staged) Put(name string, r io.Reader) (string, error) {
	safe := SanitizeName(name)
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := writeAtomic(filepath.Join(st.dir, safe), r); err != nil {
		return "", err
	}
	for _, n := range st.names {
		if n == safe {
			return safe, nil
		}
	}
	st.names = append(st.names, safe)
	return safe, nil
}

// PutFile stages a copy of the file at path.
func (st *Staged) PutFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return st.Put(filepath.Base(path), f)
}

// Names returns the staged names in first-put order.
func (st *Staged) Names() []string {
	return append([]string{}, st.names...)
}

// Commit moves every staged file into the uploads directory.
func (st *Staged) Commit() error {
	if st.done {
		return errors.New("staged uploads already committed or discarded")
	}
	for _, n := range st.names {
		if err := os.Rename(filepath.Join(st.dir, n), st.store.Path(n)); err != nil {
			return fmt.Errorf("failed to commit %s: %w", n, err)
		}
	}
	st.done = true
	return os.RemoveAll(st.dir)
}

// Discard drops whatever was not committed. It is safe to call after Commit.
func (st *Staged) Discard() error {
	st.done = true
	return os.RemoveAll(st.dir)
}

// Path returns the location of an uploaded file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.uploads, name)
}

// Has reports whether an upload exists.
func (s *Store) Has(name string) bool {
	fi, err := os.Stat(s.Path(name))
	return err == nil && fi.Mode().IsRegular()
}

// OutputName derives the output file name for an input: its extension is
// replaced by the output extension (report.pdf -> report.rtf).
func (s *Store) OutputName(file string) string {
	base := SanitizeName(file)
	return strings.TrimSuffix(base, filepath.Ext(base)) + s.outputExt
}

// WriteOutput atomically writes the converted text for file and returns the
// output name.
func (s *Store) WriteOutput(file, text string) (string, error) {
	name := s.OutputName(file)
	if name == s.outputExt {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, file)
	}
	if err := writeAtomic(filepath.Join(s.outputs, name), strings.NewReader(text)); err != nil {
		return "", err
	}
	return name, nil
}

// ReadOutput returns the output stored under name. name may be either the
// output name or the input identifier it was derived from.
func (s *Store) ReadOutput(name string) ([]byte, string, error) {
	candidates := []string{SanitizeName(name)}
	if !strings.EqualFold(filepath.Ext(name), s.outputExt) {
		candidates = append(candidates, s.OutputName(name))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.outputs, c))
		if err == nil {
			return data, c, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to read output %s: %w", c, err)
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Purge removes every upload and output.
func (s *Store) Purge() error {
	for _, dir := range []string{s.uploads, s.outputs} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				if strings.HasPrefix(e.Name(), ".staging-") {
					if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
						return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
					}
				}
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
