package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional per-model manifest name
const ManifestFile = "model.yaml"

// Manifest overrides the default checkpoint layout of a model directory
type Manifest struct {
	Description        string `yaml:"description,omitempty"`
	SemanticCheckpoint string `yaml:"semantic_checkpoint,omitempty"` // Relative to the model dir; defaults to the dir itself
	DecoderCheckpoint  string `yaml:"decoder_checkpoint,omitempty"`  // Relative to the model dir
}

// LoadManifest reads a manifest from disk
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Validate ensures every path stays inside the model directory
func (m Manifest) Validate() error {
	for field, value := range map[string]string{
		"semantic_checkpoint": m.SemanticCheckpoint,
		"decoder_checkpoint":  m.DecoderCheckpoint,
	} {
		if value == "" {
			continue
		}
		if filepath.IsAbs(value) {
			return fmt.Errorf("%s must be relative to the model directory", field)
		}
		clean := filepath.Clean(value)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%s must not leave the model directory", field)
		}
	}
	return nil
}
