package voice

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// Transcriber produces a transcript for reference audio
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Resolver turns a VoiceSelector into the reference voice the pipeline uses.
// Inline audio always wins over a preset name.
type Resolver struct {
	presets     *PresetStore
	transcriber Transcriber
	logger      zerolog.Logger
}

// NewResolver creates a resolver. transcriber may be nil.
func NewResolver(presets *PresetStore, transcriber Transcriber, logger zerolog.Logger) *Resolver {
	return &Resolver{
		presets:     presets,
		transcriber: transcriber,
		logger:      logger.With().Str("component", "voice").Logger(),
	}
}

// Resolve returns nil when the request carries no reference voice
func (r *Resolver) Resolve(ctx context.Context, sel synthesis.VoiceSelector) (*synthesis.ReferenceVoice, error) {
	switch sel.Kind() {
	case synthesis.VoiceInline:
		return r.resolveInline(ctx, sel)
	case synthesis.VoicePreset:
		preset, err := r.presets.Resolve(sel.PresetName)
		if err != nil {
			return nil, err
		}
		r.logger.Debug().Str("preset", preset.Name).Int("audio_bytes", len(preset.Audio)).Msg("Resolved voice preset")
		return &synthesis.ReferenceVoice{
			Audio:      preset.Audio,
			PromptText: preset.PromptText,
			Source:     synthesis.VoicePreset,
		}, nil
	default:
		return nil, nil
	}
}

func (r *Resolver) resolveInline(ctx context.Context, sel synthesis.VoiceSelector) (*synthesis.ReferenceVoice, error) {
	if err := synthesis.ValidateReferenceAudio(sel.Audio); err != nil {
		return nil, err
	}

	if sel.PresetName != "" {
		r.logger.Debug().Str("preset", sel.PresetName).Msg("Inline reference audio overrides voice preset")
	}

	voice := &synthesis.ReferenceVoice{
		Audio:      sel.Audio,
		PromptText: sel.PromptText,
		Source:     synthesis.VoiceInline,
	}

	if voice.PromptText == "" && r.transcriber != nil {
		transcript, err := r.transcriber.Transcribe(ctx, sel.Audio)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Reference transcription failed, continuing without prompt text")
			return voice, nil
		}
		voice.PromptText = transcript
	}

	return voice, nil
}
