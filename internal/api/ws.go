package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/request"
)

const (
	wsRequestWait = 30 * time.Second
	wsWriteWait   = 10 * time.Second
)

// Message types sent as text frames.
const (
	MessageRun   = "run"
	MessageStage = "stage"
	MessageError = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

// StreamMessage is one JSON text frame of the WebSocket protocol
type StreamMessage struct {
	Type      string       `json:"type"`
	RunID     string       `json:"run_id"`
	State     string       `json:"state,omitempty"`
	Previous  string       `json:"previous,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// handleSpeechWS serves GET /audio/speech/ws. The client sends one JSON
// request; the server answers with a run frame, one frame per state
// transition, and finally the waveform as a single binary frame.
func (s *Server) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	runID := observability.NewRunID()
	logger := observability.WithRunID(s.logger, runID)

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		logger.Warn().Err(err).Msg("No synthesis request received")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	// A read error means the client closed or vanished; cancel the run.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg StreamMessage) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Str("type", msg.Type).Msg("WebSocket write failed")
		}
	}
	fail := func(err error) {
		status := s.logFailure(runID, err)
		body := errorBody(runID, err)
		send(StreamMessage{Type: MessageError, RunID: runID, Error: &body.Error})
		s.closeWS(conn, websocket.CloseNormalClosure, body.Error.Code)
		observability.RecordRequest(gateway.TransportWebSocket, status)
	}

	send(StreamMessage{Type: MessageRun, RunID: runID})

	req, err := request.ParseJSONBytes(payload)
	if err != nil {
		fail(err)
		return
	}

	result, err := s.svc.Synthesize(ctx, runID, req, gateway.TransportWebSocket, func(ev pipeline.Event) {
		send(StreamMessage{
			Type:      MessageStage,
			RunID:     ev.RunID,
			State:     ev.State.String(),
			Previous:  ev.Previous.String(),
			ElapsedMS: ev.Elapsed.Milliseconds(),
		})
	})
	if err != nil {
		fail(err)
		return
	}
	defer s.discardOutput(result.OutputPath)

	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		fail(err)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		logger.Warn().Err(err).Msg("Client went away before the waveform was sent")
		return
	}
	s.closeWS(conn, websocket.CloseNormalClosure, "done")
	observability.RecordRequest(gateway.TransportWebSocket, http.StatusOK)
}

func (s *Server) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
