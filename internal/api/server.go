// Package api exposes the synthesis service over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/runlog"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// Response headers.
const (
	HeaderRunID         = "X-Run-ID"
	ContentTypeWAV      = "audio/wav"
	DownloadDisposition = `attachment; filename="speech.wav"`
)

// maxBodyBytes bounds a request body: a base64 reference of the maximum size
// plus room for the other fields
const maxBodyBytes = synthesis.MaxReferenceBytes/3*4 + 2<<20

// Catalog lists names available on disk
type Catalog interface {
	List() ([]string, error)
}

// Archive holds waveforms of finished runs
type Archive interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(key string) error
}

// Options tune the handlers. A nil Archive disables the run audio routes.
type Options struct {
	MaxMultipartMemory int64
	RequestTimeout     time.Duration
	OutputRetain       bool
	Archive            Archive
}

// Server holds the HTTP handlers
type Server struct {
	svc    *gateway.Service
	voices Catalog
	models Catalog
	opts   Options
	logger zerolog.Logger
}

// NewServer creates the handlers. voices and models may be nil.
func NewServer(svc *gateway.Service, voices, models Catalog, opts Options, logger zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	return &Server{
		svc:    svc,
		voices: voices,
		models: models,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Register adds the API routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /audio/speech", s.handleSpeech)
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("GET /audio/speech/ws", s.handleSpeechWS)
	mux.HandleFunc("GET /voices", s.handleList(s.voices, "voices"))
	mux.HandleFunc("GET /models", s.handleList(s.models, "models"))
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/audio", s.handleRunAudio)
	mux.HandleFunc("DELETE /runs/{id}/audio", s.handleDeleteRunAudio)
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code, a caller-safe message and the run ID
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

func errorBody(runID string, err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Code:    synthesis.KindOf(err).String(),
		Message: synthesis.PublicMessage(err),
		RunID:   runID,
	}}
}

// writeError maps err to its status code and writes the JSON error body
func (s *Server) writeError(w http.ResponseWriter, runID string, err error) int {
	status := s.logFailure(runID, err)
	writeJSON(w, status, errorBody(runID, err))
	return status
}

// logFailure logs err and returns the status code it maps to
func (s *Server) logFailure(runID string, err error) int {
	kind := synthesis.KindOf(err)
	status := kind.HTTPStatus()

	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("run_id", runID).Int("status", status).Str("kind", kind.String()).Msg("Request failed")
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleList(c Catalog, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			writeJSON(w, http.StatusOK, map[string][]string{key: {}})
			return
		}
		names, err := c.List()
		if err != nil {
			s.writeError(w, "", err)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{key: names})
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Run(r.Context(), r.PathValue("id"))
	if errors.Is(err, runlog.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Code:    synthesis.KindNotFound.String(),
			Message: err.Error(),
			RunID:   r.PathValue("id"),
		}})
		return
	}
	if err != nil {
		s.writeError(w, r.PathValue("id"), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
