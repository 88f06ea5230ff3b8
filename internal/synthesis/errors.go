package synthesis

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by who caused them and how they surface
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnsupportedMedia
	KindNotFound
	KindInference
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindUnsupportedMedia:
		return "unsupported_media_type"
	case KindNotFound:
		return "not_found"
	case KindInference:
		return "inference_failed"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the kind to the status code the API responds with
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation errors.
var (
	ErrMissingField           = errors.New("missing required field")
	ErrInvalidField           = errors.New("invalid field value")
	ErrInputTooLong           = errors.New("input text too long")
	ErrInvalidEncoding        = errors.New("Invalid base64 data")
	ErrPayloadTooLarge        = errors.New("reference audio too large")
	ErrUnsupportedAudioFormat = errors.New("Invalid audio format (must be WAV)")
	ErrUnsupportedMediaType   = errors.New("unsupported media type")
)

// Resource errors.
var (
	ErrVoicePresetNotFound = errors.New("voice preset not found")
	ErrModelNotFound       = errors.New("model not found")
)

// Inference stage errors.
var (
	ErrReferenceEncodingFailed  = errors.New("reference encoding failed")
	ErrSemanticGenerationFailed = errors.New("semantic generation failed")
	ErrWaveformSynthesisFailed  = errors.New("waveform synthesis failed")
	ErrInferenceUnavailable     = errors.New("inference backend unavailable")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrMissingField, KindValidation},
	{ErrInvalidField, KindValidation},
	{ErrInputTooLong, KindValidation},
	{ErrInvalidEncoding, KindValidation},
	{ErrPayloadTooLarge, KindValidation},
	{ErrUnsupportedAudioFormat, KindValidation},
	{ErrUnsupportedMediaType, KindUnsupportedMedia},
	{ErrVoicePresetNotFound, KindNotFound},
	{ErrModelNotFound, KindNotFound},
	{ErrReferenceEncodingFailed, KindInference},
	{ErrSemanticGenerationFailed, KindInference},
	{ErrWaveformSynthesisFailed, KindInference},
	{ErrInferenceUnavailable, KindUnavailable},
}

// KindOf classifies err by the first sentinel found in its wrap chain
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// PublicMessage is the text safe to show a caller. Client-caused errors keep
// their detail; inference and internal errors collapse to a generic message.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindValidation, KindUnsupportedMedia, KindNotFound:
		return err.Error()
	case KindUnavailable:
		return "Speech synthesis is temporarily unavailable"
	default:
		return "Speech synthesis failed"
	}
}

// Fieldf wraps a sentinel with the offending field name
func Fieldf(sentinel error, field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", sentinel, field, fmt.Sprintf(format, args...))
}
