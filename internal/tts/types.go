package tts

import (
	"fmt"
	"net/http"
)

// SpeechRequest is the client-side view of POST /audio/speech.
// Zero-valued sampling fields are left to the server defaults.
type SpeechRequest struct {
	Model         string
	Input         string
	Voice         string // Preset name
	Instructions  string
	ReferenceText string

	// ReferenceAudio is a WAV file used as an inline reference voice
	ReferenceAudio    []byte
	ReferenceFilename string

	TopP              *float64
	Temperature       *float64
	RepetitionPenalty *float64
	ChunkLength       *int
	MaxNewTokens      *int
	Seed              *int
}

// Speech is a synthesized waveform
type Speech struct {
	RunID string
	Audio []byte
}

// Encoding selects the request body format
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingMultipart
)

// APIError is a non-200 response from the gateway
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RunID      string
}

func (e *APIError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("speech gateway returned %d (%s): %s [run %s]", e.StatusCode, e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("speech gateway returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		RunID   string `json:"run_id"`
	} `json:"error"`
}
