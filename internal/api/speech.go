package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/request"
)

// handleSpeech serves POST /audio/speech. The body is validated before any
// inference work; the waveform is streamed back and then removed.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	runID := observability.NewRunID()
	w.Header().Set(HeaderRunID, runID)

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req, err := request.ParseHTTP(r, request.Options{MaxMultipartMemory: s.opts.MaxMultipartMemory})
	if err != nil {
		observability.RecordRequest(gateway.TransportHTTP, s.writeError(w, runID, err))
		return
	}

	result, err := s.svc.Synthesize(ctx, runID, req, gateway.TransportHTTP, nil)
	if err != nil {
		observability.RecordRequest(gateway.TransportHTTP, s.writeError(w, runID, err))
		return
	}

	s.serveWaveform(w, result)
	observability.RecordRequest(gateway.TransportHTTP, http.StatusOK)
}

func (s *Server) serveWaveform(w http.ResponseWriter, result *pipeline.Result) {
	defer s.discardOutput(result.OutputPath)

	logger := observability.WithRunID(s.logger, result.RunID)

	f, err := os.Open(result.OutputPath)
	if err != nil {
		s.writeError(w, result.RunID, err)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", ContentTypeWAV)
	h.Set("Content-Disposition", DownloadDisposition)
	h.Set("Content-Length", strconv.FormatInt(result.OutputSize, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		logger.Warn().Err(err).Msg("Client went away while streaming waveform")
	}
}

func (s *Server) discardOutput(path string) {
	if s.opts.OutputRetain || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove served output")
	}
}
