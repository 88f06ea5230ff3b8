// Package gateway runs validated synthesis requests for every transport:
// it resolves the reference voice, records the run and drives the pipeline.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/runlog"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// Transport names used in logs, metrics and the run ledger.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// VoiceResolver resolves the reference voice of a request
type VoiceResolver interface {
	Resolve(ctx context.Context, sel synthesis.VoiceSelector) (*synthesis.ReferenceVoice, error)
}

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, req synthesis.Request, voice *synthesis.ReferenceVoice, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

// Service is shared by the HTTP, WebSocket and NATS transports
type Service struct {
	voices VoiceResolver
	runner Runner
	ledger *runlog.Store
	logger zerolog.Logger
}

// NewService creates a service. ledger may be nil.
func NewService(voices VoiceResolver, runner Runner, ledger *runlog.Store, logger zerolog.Logger) *Service {
	return &Service{
		voices: voices,
		runner: runner,
		ledger: ledger,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Synthesize runs req under runID. observer, when set, receives every state
// transition after the ledger has recorded it. The caller owns the output
// file of a successful result.
func (s *Service) Synthesize(ctx context.Context, runID string, req synthesis.Request, transport string, observer pipeline.Observer) (*pipeline.Result, error) {
	logger := observability.WithRunID(s.logger, runID).With().Str("transport", transport).Logger()

	if err := s.ledger.Begin(ctx, runlog.Run{
		ID:          runID,
		Transport:   transport,
		Model:       req.ModelName,
		VoiceSource: req.Voice.Kind().String(),
		InputChars:  len([]rune(req.Text)),
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run start")
	}
	observe := chain(s.ledger.Observer(ctx), observer)

	voice, err := s.voices.Resolve(ctx, req.Voice)
	if err != nil {
		logger.Warn().Err(err).Str("voice_source", req.Voice.Kind().String()).Msg("Voice resolution failed")
		observability.RecordError(synthesis.KindOf(err).String(), "voice")
		if observe != nil {
			observe(pipeline.Event{
				RunID:    runID,
				State:    pipeline.StateFailed,
				Previous: pipeline.StateIdle,
				At:       time.Now(),
				Err:      err,
			})
		}
		return nil, err
	}

	opts := []pipeline.RunOption{pipeline.WithRunID(runID)}
	if observe != nil {
		opts = append(opts, pipeline.WithObserver(observe))
	}

	result, err := s.runner.Run(ctx, req, voice, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Complete(ctx, runID, result.OutputSize); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run output")
	}
	return result, nil
}

// Run returns the ledger entry for runID
func (s *Service) Run(ctx context.Context, runID string) (*runlog.Run, error) {
	return s.ledger.Get(ctx, runID)
}

func chain(observers ...pipeline.Observer) pipeline.Observer {
	var active []pipeline.Observer
	for _, o := range observers {
		if o != nil {
			active = append(active, o)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(ev pipeline.Event) {
		for _, o := range active {
			o(ev)
		}
	}
}
