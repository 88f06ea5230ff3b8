package request

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

func parseMultipart(r *http.Request, maxMemory int64) (synthesis.Request, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return synthesis.Request{}, fmt.Errorf("%w: %v", synthesis.ErrPayloadTooLarge, err)
		}
		return synthesis.Request{}, synthesis.Fieldf(synthesis.ErrInvalidField, "body", "malformed multipart form: %v", err)
	}
	form := r.MultipartForm
	defer func() {
		_ = form.RemoveAll()
	}()

	f := fields{
		model:        formValue(form, FieldModel),
		input:        formValue(form, FieldInput),
		voice:        formString(form, FieldVoice),
		instructions: formString(form, FieldInstructions),
		promptText:   formString(form, FieldReferenceText),
	}

	model, input, err := f.requireText()
	if err != nil {
		return synthesis.Request{}, err
	}

	audio, err := readUpload(form)
	if err != nil {
		return synthesis.Request{}, err
	}

	f.numerics = make(map[string]string)
	for _, name := range numericFields {
		if v := formValue(form, name); v != nil && strings.TrimSpace(*v) != "" {
			f.numerics[name] = strings.TrimSpace(*v)
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
			PromptText: f.promptText,
			PresetName: f.voice,
		},
		Sampling:     sampling,
		Instructions: f.instructions,
	}, nil
}

// readUpload returns nil when no reference file was sent
func readUpload(form *multipart.Form) ([]byte, error) {
	headers := form.File[FieldReferenceAudio]
	if len(headers) == 0 {
		return nil, nil
	}
	fh := headers[0]
	if fh.Filename == "" && fh.Size == 0 {
		return nil, nil
	}

	if !strings.EqualFold(filepath.Ext(fh.Filename), ".wav") {
		return nil, synthesis.ErrUnsupportedAudioFormat
	}
	if fh.Size > synthesis.MaxReferenceBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", synthesis.ErrPayloadTooLarge, fh.Size, synthesis.MaxReferenceBytes)
	}

	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, synthesis.MaxReferenceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	if err := synthesis.ValidateReferenceAudio(data); err != nil {
		return nil, err
	}
	return data, nil
}

func formValue(form *multipart.Form, name string) *string {
	values, ok := form.Value[name]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func formString(form *multipart.Form, name string) string {
	if v := formValue(form, name); v != nil {
		return *v
	}
	return ""
}
