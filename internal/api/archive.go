package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lexiqai/speech-gateway/internal/objectstore"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

var errNoArchive = errors.New("waveform archive is not configured")

func (s *Server) handleRunAudio(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if s.opts.Archive == nil {
		writeNotFound(w, runID, errNoArchive)
		return
	}

	data, err := s.opts.Archive.Download(r.Context(), objectstore.Key(runID))
	if errors.Is(err, objectstore.ErrNotFound) {
		writeNotFound(w, runID, errors.New("no archived waveform for run"))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to read archived waveform")
		writeJSON(w, http.StatusBadGateway, ErrorBody{Error: ErrorDetail{
			Code:    synthesis.KindUnavailable.String(),
			Message: "Waveform archive is unavailable",
			RunID:   runID,
		}})
		return
	}

	w.Header().Set("Content-Type", ContentTypeWAV)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderRunID, runID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteRunAudio(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if s.opts.Archive == nil {
		writeNotFound(w, runID, errNoArchive)
		return
	}

	err := s.opts.Archive.Delete(objectstore.Key(runID))
	if errors.Is(err, objectstore.ErrNotFound) {
		writeNotFound(w, runID, errors.New("no archived waveform for run"))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to delete archived waveform")
		writeJSON(w, http.StatusBadGateway, ErrorBody{Error: ErrorDetail{
			Code:    synthesis.KindUnavailable.String(),
			Message: "Waveform archive is unavailable",
			RunID:   runID,
		}})
		return
	}

	s.logger.Info().Str("run_id", runID).Msg("Deleted archived waveform")
	w.WriteHeader(http.StatusNoContent)
}

func writeNotFound(w http.ResponseWriter, runID string, err error) {
	writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{
		Code:    synthesis.KindNotFound.String(),
		Message: err.Error(),
		RunID:   runID,
	}})
}
