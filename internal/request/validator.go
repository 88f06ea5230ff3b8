// Package request turns inbound multipart and JSON bodies into a validated
// synthesis.Request. It never touches the filesystem or the inference device.
package request

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// Field names shared by the multipart and JSON shapes.
const (
	FieldModel             = "model"
	FieldInput             = "input"
	FieldVoice             = "voice"
	FieldInstructions      = "instructions"
	FieldReferenceText     = "reference_text"
	FieldReferenceAudio    = "reference_audio"
	FieldReferenceAudioB64 = "reference_audio_base64"
	FieldTopP              = "top_p"
	FieldRepetitionPenalty = "repetition_penalty"
	FieldTemperature       = "temperature"
	FieldChunkLength       = "chunk_length"
	FieldMaxNewTokens      = "max_new_tokens"
	FieldSeed              = "seed"
)

// Supported media types.
const (
	MediaTypeJSON      = "application/json"
	MediaTypeMultipart = "multipart/form-data"
)

// DefaultMaxMemory bounds the in-memory part of a multipart body
const DefaultMaxMemory = 32 << 20

// Options tune HTTP parsing
type Options struct {
	MaxMultipartMemory int64
}

// ParseHTTP dispatches on the request media type
func ParseHTTP(r *http.Request, opts Options) (synthesis.Request, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return synthesis.Request{}, fmt.Errorf("%w: %q", synthesis.ErrUnsupportedMediaType, r.Header.Get("Content-Type"))
	}

	switch mediaType {
	case MediaTypeJSON:
		return ParseJSON(r.Body)
	case MediaTypeMultipart:
		maxMemory := opts.MaxMultipartMemory
		if maxMemory <= 0 {
			maxMemory = DefaultMaxMemory
		}
		return parseMultipart(r, maxMemory)
	default:
		return synthesis.Request{}, fmt.Errorf("%w: %s", synthesis.ErrUnsupportedMediaType, mediaType)
	}
}

// fields is the transport-neutral view both parsers reduce to before the
// shared checks run
type fields struct {
	model        *string
	input        *string
	voice        string
	instructions string
	promptText   string
	numerics     map[string]string // raw numeric values, keyed by field name
}

// requireText checks required fields and then text length. Audio checks run
// in the transport parser after this and before sampling. The model name is
// trimmed; input is passed through verbatim and only rejected when absent or
// empty.
func (f fields) requireText() (model, input string, err error) {
	if f.model == nil || strings.TrimSpace(*f.model) == "" {
		return "", "", synthesis.Fieldf(synthesis.ErrMissingField, FieldModel, "field is required")
	}
	if f.input == nil || *f.input == "" {
		return "", "", synthesis.Fieldf(synthesis.ErrMissingField, FieldInput, "field is required")
	}
	if n := utf8.RuneCountInString(*f.input); n > synthesis.MaxTextLength {
		return "", "", fmt.Errorf("%w: %d characters exceeds %d", synthesis.ErrInputTooLong, n, synthesis.MaxTextLength)
	}
	return strings.TrimSpace(*f.model), *f.input, nil
}

func (f fields) sampling() (synthesis.SamplingParams, error) {
	params := synthesis.DefaultSamplingParams()

	floats := []struct {
		name string
		dst  *float64
	}{
		{FieldTopP, &params.TopP},
		{FieldRepetitionPenalty, &params.RepetitionPenalty},
		{FieldTemperature, &params.Temperature},
	}
	for _, fl := range floats {
		raw, ok := f.numerics[fl.name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, synthesis.Fieldf(synthesis.ErrInvalidField, fl.name, "not a number: %q", raw)
		}
		*fl.dst = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{FieldChunkLength, &params.ChunkLength},
		{FieldMaxNewTokens, &params.MaxNewTokens},
	}
	for _, in := range ints {
		raw, ok := f.numerics[in.name]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return params, synthesis.Fieldf(synthesis.ErrInvalidField, in.name, "not an integer: %q", raw)
		}
		*in.dst = v
	}

	if raw, ok := f.numerics[FieldSeed]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return params, synthesis.Fieldf(synthesis.ErrInvalidField, FieldSeed, "not an integer: %q", raw)
		}
		params.Seed = &v
	}

	return params, nil
}

var numericFields = []string{
	FieldTopP,
	FieldRepetitionPenalty,
	FieldTemperature,
	FieldChunkLength,
	FieldMaxNewTokens,
	FieldSeed,
}
