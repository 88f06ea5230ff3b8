package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// maxJSONBody allows a full-size reference in base64 plus the text fields
const maxJSONBody = synthesis.MaxReferenceBytes/3*4 + 1<<20

// ParseJSON reads a JSON body into a validated request
func ParseJSON(body io.Reader) (synthesis.Request, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxJSONBody+1))
	if err != nil {
		return synthesis.Request{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxJSONBody {
		return synthesis.Request{}, fmt.Errorf("%w: request body exceeds %d bytes", synthesis.ErrPayloadTooLarge, maxJSONBody)
	}
	return ParseJSONBytes(data)
}

// ParseJSONBytes validates an already-read JSON document
func ParseJSONBytes(data []byte) (synthesis.Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return synthesis.Request{}, synthesis.Fieldf(synthesis.ErrInvalidField, "body", "malformed JSON: %v", err)
	}

	var f fields
	var err error

	if f.model, err = jsonString(raw, FieldModel); err != nil {
		return synthesis.Request{}, err
	}
	if f.input, err = jsonString(raw, FieldInput); err != nil {
		return synthesis.Request{}, err
	}
	model, input, err := f.requireText()
	if err != nil {
		return synthesis.Request{}, err
	}

	voice, err := jsonOptionalString(raw, FieldVoice)
	if err != nil {
		return synthesis.Request{}, err
	}
	promptText, err := jsonOptionalString(raw, FieldReferenceText)
	if err != nil {
		return synthesis.Request{}, err
	}
	instructions, err := jsonOptionalString(raw, FieldInstructions)
	if err != nil {
		return synthesis.Request{}, err
	}

	encoded, err := jsonOptionalString(raw, FieldReferenceAudioB64)
	if err != nil {
		return synthesis.Request{}, err
	}
	var audio []byte
	if encoded != "" {
		audio, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return synthesis.Request{}, synthesis.ErrInvalidEncoding
		}
		if err := synthesis.ValidateReferenceAudio(audio); err != nil {
			return synthesis.Request{}, err
		}
	}

	f.numerics = make(map[string]string)
	for _, name := range numericFields {
		value, ok, err := jsonNumber(raw, name)
		if err != nil {
			return synthesis.Request{}, err
		}
		if ok {
			f.numerics[name] = value
		}
	}
	sampling, err := f.sampling()
	if err != nil {
		return synthesis.Request{}, err
	}

	return synthesis.Request{
		Text:      input,
		ModelName: model,
		Voice: synthesis.VoiceSelector{
			Audio:      audio,
			PromptText: promptText,
			PresetName: voice,
		},
		Sampling:     sampling,
		Instructions: instructions,
	}, nil
}

// jsonString returns nil for absent or null fields
func jsonString(raw map[string]json.RawMessage, name string) (*string, error) {
	msg, ok := raw[name]
	if !ok || isNull(msg) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return nil, synthesis.Fieldf(synthesis.ErrInvalidField, name, "must be a string")
	}
	return &s, nil
}

func jsonOptionalString(raw map[string]json.RawMessage, name string) (string, error) {
	s, err := jsonString(raw, name)
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

// jsonNumber accepts a JSON number or a numeric string and returns its text
func jsonNumber(raw map[string]json.RawMessage, name string) (string, bool, error) {
	msg, ok := raw[name]
	if !ok || isNull(msg) {
		return "", false, nil
	}

	var n json.Number
	if err := json.Unmarshal(msg, &n); err == nil {
		return n.String(), true, nil
	}

	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		if _, perr := strconv.ParseFloat(s, 64); perr == nil {
			return s, true, nil
		}
		return "", false, synthesis.Fieldf(synthesis.ErrInvalidField, name, "not a number: %q", s)
	}

	return "", false, synthesis.Fieldf(synthesis.ErrInvalidField, name, "not a number: %s", string(msg))
}

func isNull(msg json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(msg), []byte("null"))
}
