package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

var riffBytes = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

func writePresetFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestPresetStore_ResolveBothArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePresetFile(t, dir, "alice.wav", riffBytes)
	writePresetFile(t, dir, "alice.lab", []byte("  hello there \n"))

	store := NewPresetStore(dir)
	preset, err := store.Resolve("Alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", preset.Name)
	assert.Equal(t, riffBytes, preset.Audio)
	assert.Equal(t, "hello there", preset.PromptText)
}

func TestPresetStore_BothOrNeither(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePresetFile(t, dir, "onlywav.wav", riffBytes)
	writePresetFile(t, dir, "onlylab.lab", []byte("text"))

	store := NewPresetStore(dir)

	for _, name := range []string{"onlywav", "onlylab", "missing"} {
		_, err := store.Resolve(name)
		assert.ErrorIs(t, err, synthesis.ErrVoicePresetNotFound, name)
	}
}

func TestPresetStore_RejectsTraversal(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "voices")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	writePresetFile(t, parent, "secret.wav", riffBytes)
	writePresetFile(t, parent, "secret.lab", []byte("x"))

	store := NewPresetStore(dir)
	for _, name := range []string{"../secret", "..", "a/b", `a\b`, "", "  "} {
		_, err := store.Resolve(name)
		assert.ErrorIs(t, err, synthesis.ErrVoicePresetNotFound, name)
	}
}

func TestPresetStore_List(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePresetFile(t, dir, "bob.wav", riffBytes)
	writePresetFile(t, dir, "bob.lab", []byte("b"))
	writePresetFile(t, dir, "alice.wav", riffBytes)
	writePresetFile(t, dir, "alice.lab", []byte("a"))
	writePresetFile(t, dir, "half.wav", riffBytes)
	writePresetFile(t, dir, "notes.txt", []byte("n"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.wav"), 0o750))

	names, err := NewPresetStore(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestPresetStore_ListMissingDir(t *testing.T) {
	t.Parallel()

	names, err := NewPresetStore(filepath.Join(t.TempDir(), "absent")).List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

type stubTranscriber struct {
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(context.Context, []byte) (string, error) {
	s.calls++
	return s.text, s.err
}

func newTestResolver(t *testing.T, tr Transcriber) *Resolver {
	t.Helper()

	dir := t.TempDir()
	writePresetFile(t, dir, "alice.wav", []byte("RIFFpreset"))
	writePresetFile(t, dir, "alice.lab", []byte("preset prompt\n"))

	return NewResolver(NewPresetStore(dir), tr, zerolog.Nop())
}

func TestResolver_None(t *testing.T) {
	t.Parallel()

	voice, err := newTestResolver(t, nil).Resolve(context.Background(), synthesis.VoiceSelector{})
	require.NoError(t, err)
	assert.Nil(t, voice)
	assert.False(t, voice.HasAudio())
}

func TestResolver_InlineWinsOverPreset(t *testing.T) {
	t.Parallel()

	voice, err := newTestResolver(t, nil).Resolve(context.Background(), synthesis.VoiceSelector{
		Audio:      riffBytes,
		PromptText: "inline prompt",
		PresetName: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, synthesis.VoiceInline, voice.Source)
	assert.Equal(t, riffBytes, voice.Audio)
	assert.Equal(t, "inline prompt", voice.PromptText)
}

func TestResolver_Preset(t *testing.T) {
	t.Parallel()

	voice, err := newTestResolver(t, nil).Resolve(context.Background(), synthesis.VoiceSelector{PresetName: "ALICE"})
	require.NoError(t, err)

	assert.Equal(t, synthesis.VoicePreset, voice.Source)
	assert.Equal(t, []byte("RIFFpreset"), voice.Audio)
	assert.Equal(t, "preset prompt", voice.PromptText)
}

func TestResolver_UnknownPreset(t *testing.T) {
	t.Parallel()

	_, err := newTestResolver(t, nil).Resolve(context.Background(), synthesis.VoiceSelector{PresetName: "nobody"})
	assert.ErrorIs(t, err, synthesis.ErrVoicePresetNotFound)
}

func TestResolver_InlineValidation(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, nil)

	_, err := r.Resolve(context.Background(), synthesis.VoiceSelector{Audio: []byte("ID3\x03mp3")})
	assert.ErrorIs(t, err, synthesis.ErrUnsupportedAudioFormat)

	big := make([]byte, synthesis.MaxReferenceBytes+1)
	copy(big, "RIFF")
	_, err = r.Resolve(context.Background(), synthesis.VoiceSelector{Audio: big})
	assert.ErrorIs(t, err, synthesis.ErrPayloadTooLarge)
}

func TestResolver_TranscribesInlineWithoutPrompt(t *testing.T) {
	t.Parallel()

	tr := &stubTranscriber{text: "transcribed words"}
	voice, err := newTestResolver(t, tr).Resolve(context.Background(), synthesis.VoiceSelector{Audio: riffBytes})
	require.NoError(t, err)

	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, "transcribed words", voice.PromptText)
}

func TestResolver_TranscriptionFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	tr := &stubTranscriber{err: errors.New("deepgram down")}
	voice, err := newTestResolver(t, tr).Resolve(context.Background(), synthesis.VoiceSelector{Audio: riffBytes})
	require.NoError(t, err)

	assert.Equal(t, 1, tr.calls)
	assert.Empty(t, voice.PromptText)
	assert.True(t, voice.HasAudio())
}

func TestResolver_PromptTextSkipsTranscription(t *testing.T) {
	t.Parallel()

	tr := &stubTranscriber{text: "unused"}
	_, err := newTestResolver(t, tr).Resolve(context.Background(), synthesis.VoiceSelector{
		Audio:      riffBytes,
		PromptText: "given",
	})
	require.NoError(t, err)
	assert.Zero(t, tr.calls)
}
