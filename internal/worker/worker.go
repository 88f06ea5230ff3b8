// Package worker serves synthesis requests over NATS request/reply and
// archives the resulting waveforms in the object store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/objectstore"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/request"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// QueueGroup lets several gateways share one subject
const QueueGroup = "speech-gateway"

// Archive stores finished waveforms
type Archive interface {
	UploadFile(ctx context.Context, key, path string) (int64, error)
}

// Reply is the JSON body sent back to the requester
type Reply struct {
	RunID      string `json:"run_id"`
	AudioKey   string `json:"audio_key,omitempty"`
	AudioBytes int64  `json:"audio_bytes,omitempty"`
	Model      string `json:"model,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      *Error `json:"error,omitempty"`
}

// Error mirrors the HTTP error body
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NatsWorker listens for synthesis requests on a NATS subject
type NatsWorker struct {
	conn    *nats.Conn
	subject string
	svc     *gateway.Service
	archive Archive
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNatsWorker creates a worker. Requests are bounded by timeout.
func NewNatsWorker(conn *nats.Conn, subject string, svc *gateway.Service, archive Archive, timeout time.Duration, logger zerolog.Logger) *NatsWorker {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &NatsWorker{
		conn:    conn,
		subject: subject,
		svc:     svc,
		archive: archive,
		timeout: timeout,
		logger:  logger.With().Str("component", "worker").Str("subject", subject).Logger(),
	}
}

// Run subscribes and blocks until ctx is done, then drains the subscription.
// Messages are handled one at a time; the device serializes runs anyway.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.conn.QueueSubscribe(w.subject, QueueGroup, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}
	w.logger.Info().Msg("NATS worker listening")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.timeout)
	defer cancel()

	runID := observability.NewRunID()
	reply, err := w.process(ctx, runID, msg.Data)

	status := http.StatusOK
	if err != nil {
		reply = failure(runID, err)
		status = synthesis.KindOf(err).HTTPStatus()
	}
	observability.RecordRequest(gateway.TransportNATS, status)

	if msg.Reply == "" {
		return
	}
	if err := w.respond(msg, reply); err != nil {
		w.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to publish reply")
	}
}

// process validates, runs and archives one request
func (w *NatsWorker) process(ctx context.Context, runID string, data []byte) (Reply, error) {
	logger := observability.WithRunID(w.logger, runID)

	req, err := request.ParseJSONBytes(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected synthesis request")
		return Reply{}, err
	}

	result, err := w.svc.Synthesize(ctx, runID, req, gateway.TransportNATS, nil)
	if err != nil {
		return Reply{}, err
	}
	defer func() {
		if err := os.Remove(result.OutputPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", result.OutputPath).Msg("Failed to remove archived output")
		}
	}()

	reply := Reply{
		RunID:      runID,
		Model:      result.Model,
		AudioBytes: result.OutputSize,
		DurationMS: result.Duration.Milliseconds(),
	}
	if w.archive == nil {
		return reply, nil
	}

	key := objectstore.Key(runID)
	if _, err := w.archive.UploadFile(ctx, key, result.OutputPath); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Failed to archive waveform")
		observability.RecordError("archive_upload", "worker")
		return Reply{}, err
	}
	reply.AudioKey = key
	return reply, nil
}

func (w *NatsWorker) respond(msg *nats.Msg, reply Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}

func failure(runID string, err error) Reply {
	return Reply{
		RunID: runID,
		Error: &Error{
			Code:    synthesis.KindOf(err).String(),
			Message: synthesis.PublicMessage(err),
		},
	}
}
