// Package models maps a model name to the checkpoints the inference
// collaborators load.
package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// Paths are the resolved checkpoint locations for one model
type Paths struct {
	Name               string
	Dir                string
	SemanticCheckpoint string // Passed to the semantic decoder
	DecoderCheckpoint  string // Passed to the reference encoder and the vocoder
}

// Resolver looks up provisioned models under a root directory
type Resolver struct {
	root                     string
	defaultDecoderCheckpoint string
}

// NewResolver creates a resolver rooted at dir
func NewResolver(dir, defaultDecoderCheckpoint string) *Resolver {
	return &Resolver{
		root:                     dir,
		defaultDecoderCheckpoint: defaultDecoderCheckpoint,
	}
}

// Root returns the models directory
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the checkpoint paths for name or ErrModelNotFound
func (r *Resolver) Resolve(name string) (Paths, error) {
	if !validName(name) {
		return Paths{}, fmt.Errorf("%w: %q", synthesis.ErrModelNotFound, name)
	}

	dir := filepath.Join(r.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Paths{}, fmt.Errorf("%w: %q", synthesis.ErrModelNotFound, name)
	}

	paths := Paths{
		Name:               name,
		Dir:                dir,
		SemanticCheckpoint: dir,
		DecoderCheckpoint:  filepath.Join(dir, r.defaultDecoderCheckpoint),
	}

	manifest, err := LoadManifest(filepath.Join(dir, ManifestFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return paths, nil
	case err != nil:
		return Paths{}, fmt.Errorf("model %q: %w", name, err)
	}

	if err := manifest.Validate(); err != nil {
		return Paths{}, fmt.Errorf("model %q: %w", name, err)
	}
	if manifest.SemanticCheckpoint != "" {
		paths.SemanticCheckpoint = filepath.Join(dir, manifest.SemanticCheckpoint)
	}
	if manifest.DecoderCheckpoint != "" {
		paths.DecoderCheckpoint = filepath.Join(dir, manifest.DecoderCheckpoint)
	}

	return paths, nil
}

// List returns the names of every provisioned model, sorted
func (r *Resolver) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func validName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}
