// Package synthesis holds the canonical request shape shared by every transport
// and the error taxonomy used across the pipeline.
package synthesis

import (
	"fmt"

	"github.com/lexiqai/speech-gateway/internal/audio"
)

// Limits applied to inbound requests.
const (
	MaxTextLength     = 4096
	MaxReferenceBytes = 25 << 20
)

// Sampling defaults used when a request leaves a parameter unset.
const (
	DefaultTopP              = 0.7
	DefaultRepetitionPenalty = 1.5
	DefaultTemperature       = 0.7
	DefaultChunkLength       = 150
	DefaultMaxNewTokens      = 2048
)

// VoiceKind identifies which branch of a VoiceSelector is populated
type VoiceKind int

const (
	VoiceNone VoiceKind = iota
	VoiceInline
	VoicePreset
)

func (k VoiceKind) String() string {
	switch k {
	case VoiceInline:
		return "inline"
	case VoicePreset:
		return "preset"
	default:
		return "none"
	}
}

// VoiceSelector describes where the reference voice comes from.
//
// A request may carry both inline audio and a preset name; the resolver gives
// inline audio precedence, so both are kept here rather than collapsed early.
type VoiceSelector struct {
	Audio      []byte // Inline reference WAV, already validated
	PromptText string // Transcript for the inline reference, may be empty
	PresetName string // Named preset, consulted only without inline audio
}

// Kind reports the effective branch
func (v VoiceSelector) Kind() VoiceKind {
	switch {
	case len(v.Audio) > 0:
		return VoiceInline
	case v.PresetName != "":
		return VoicePreset
	default:
		return VoiceNone
	}
}

// SamplingParams are passed through to the semantic decoder unchanged
type SamplingParams struct {
	TopP              float64 `json:"top_p"`
	Temperature       float64 `json:"temperature"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	ChunkLength       int     `json:"chunk_length"`
	MaxNewTokens      int     `json:"max_new_tokens"`
	Seed              *int    `json:"seed,omitempty"`
}

// DefaultSamplingParams returns the defaults applied by the validator
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		TopP:              DefaultTopP,
		Temperature:       DefaultTemperature,
		RepetitionPenalty: DefaultRepetitionPenalty,
		ChunkLength:       DefaultChunkLength,
		MaxNewTokens:      DefaultMaxNewTokens,
	}
}

// Request is the canonical, validated synthesis request
type Request struct {
	Text         string
	ModelName    string
	Voice        VoiceSelector
	Sampling     SamplingParams
	Instructions string // Accepted for API compatibility, not used by the pipeline
}

// ReferenceVoice is the resolved voice handed to the pipeline.
// Audio is nil when no reference audio is used; PromptText may still be set.
type ReferenceVoice struct {
	Audio      []byte
	PromptText string
	Source     VoiceKind
}

// HasAudio reports whether the reference-encoding stage should run
func (r *ReferenceVoice) HasAudio() bool {
	return r != nil && len(r.Audio) > 0
}

// ValidateReferenceAudio applies the size and RIFF checks every reference
// waveform must pass, whichever transport delivered it
func ValidateReferenceAudio(data []byte) error {
	if len(data) > MaxReferenceBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(data), MaxReferenceBytes)
	}
	if !audio.IsRIFF(data) {
		return ErrUnsupportedAudioFormat
	}
	return nil
}
