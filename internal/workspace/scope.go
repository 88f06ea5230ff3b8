// Package workspace provides the per-run scratch directory every pipeline
// artifact lives in.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const dirPermissions = 0o750

// ErrReleased is returned by NewArtifact after the scope has been released
var ErrReleased = errors.New("workspace scope already released")

// Scope owns a temporary directory and every artifact created in it.
// Release removes the whole tree and may be called any number of times.
type Scope struct {
	dir string

	mu       sync.Mutex
	seq      int
	released bool
}

// Acquire creates a fresh scope directory under base. An empty base uses the
// system temp directory.
func Acquire(base string) (*Scope, error) {
	if base != "" {
		if err := os.MkdirAll(base, dirPermissions); err != nil {
			return nil, fmt.Errorf("create workspace root %s: %w", base, err)
		}
	}

	dir, err := os.MkdirTemp(base, "run-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Scope{dir: dir}, nil
}

// Dir returns the scope directory
func (s *Scope) Dir() string {
	return s.dir
}

// NewArtifact returns a path for name inside the scope. The file is not
// created. Repeated names still get distinct paths.
func (s *Scope) NewArtifact(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return "", ErrReleased
	}

	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "artifact"
	}

	s.seq++
	return filepath.Join(s.dir, fmt.Sprintf("%03d-%s", s.seq, base)), nil
}

// Release deletes the scope directory and everything inside it
func (s *Scope) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", s.dir, err)
	}
	return nil
}

// Released reports whether Release has run
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
