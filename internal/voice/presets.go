// Package voice resolves the reference voice for a synthesis request.
package voice

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

const (
	audioExt      = ".wav"
	transcriptExt = ".lab"
)

// Preset is a pre-provisioned reference voice
type Preset struct {
	Name       string
	Audio      []byte
	PromptText string
}

// PresetStore reads presets stored as <name>.wav and <name>.lab pairs.
// The directory is treated as read-only.
type PresetStore struct {
	dir string
}

// NewPresetStore returns a store rooted at dir
func NewPresetStore(dir string) *PresetStore {
	return &PresetStore{dir: dir}
}

// Dir returns the preset directory
func (s *PresetStore) Dir() string {
	return s.dir
}

// Resolve loads the named preset. Both the waveform and the transcript must
// exist; otherwise ErrVoicePresetNotFound is returned.
func (s *PresetStore) Resolve(name string) (Preset, error) {
	key, ok := presetKey(name)
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", synthesis.ErrVoicePresetNotFound, name)
	}

	wavPath := filepath.Join(s.dir, key+audioExt)
	labPath := filepath.Join(s.dir, key+transcriptExt)

	if !isFile(wavPath) || !isFile(labPath) {
		return Preset{}, fmt.Errorf("%w: %q", synthesis.ErrVoicePresetNotFound, key)
	}

	audio, err := os.ReadFile(wavPath)
	if err != nil {
		return Preset{}, fmt.Errorf("read preset audio %s: %w", key, err)
	}
	transcript, err := os.ReadFile(labPath)
	if err != nil {
		return Preset{}, fmt.Errorf("read preset transcript %s: %w", key, err)
	}

	return Preset{
		Name:       key,
		Audio:      audio,
		PromptText: strings.TrimSpace(string(transcript)),
	}, nil
}

// List returns the keys of every complete preset, sorted
func (s *PresetStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list presets: %w", err)
	}

	wavs := make(map[string]bool)
	labs := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		key := strings.TrimSuffix(name, ext)
		if key != strings.ToLower(key) {
			continue
		}
		switch ext {
		case audioExt:
			wavs[key] = true
		case transcriptExt:
			labs[key] = true
		}
	}

	names := make([]string, 0, len(wavs))
	for key := range wavs {
		if labs[key] {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names, nil
}

// presetKey lowercases name and rejects anything that could leave the
// preset directory
func presetKey(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || key == "." || strings.Contains(key, "..") {
		return "", false
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, filepath.Separator) {
		return "", false
	}
	return key, true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
