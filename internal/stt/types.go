package stt

import "errors"

// ErrNoTranscript is returned when the backend answers without any speech
var ErrNoTranscript = errors.New("no transcript in response")

// TranscriptionResult represents a transcription of a complete reference clip
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Duration is the clip duration in seconds, when reported
	Duration float64
}
