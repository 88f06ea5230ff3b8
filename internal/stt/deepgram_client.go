// Package stt transcribes reference audio that arrives without prompt text.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	restapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/config"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
)

const serviceName = "deepgram"

// prerecorded is the slice of the Deepgram REST API the client uses
type prerecorded interface {
	FromStream(ctx context.Context, src *bytes.Reader, options *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error)
}

// restAdapter narrows the SDK client to prerecorded
type restAdapter struct {
	client *restapi.Client
}

func (a restAdapter) FromStream(ctx context.Context, src *bytes.Reader, options *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
	return a.client.FromStream(ctx, src, options)
}

// DeepgramClient transcribes complete WAV clips with Deepgram's pre-recorded API
type DeepgramClient struct {
	api            prerecorded
	model          string
	language       string
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a Deepgram pre-recorded client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	rest := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})
	return newDeepgramClient(restAdapter{client: restapi.New(rest)}, cfg, logger)
}

func newDeepgramClient(api prerecorded, cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	cb := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &DeepgramClient{
		api:            api,
		model:          cfg.DeepgramModel,
		language:       cfg.DeepgramLanguage,
		retry:          retry,
		circuitBreaker: cb,
		logger:         logger.With().Str("component", "stt").Str("provider", serviceName).Logger(),
	}
}

// Transcribe returns the transcript text for a WAV clip
func (d *DeepgramClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	result, err := d.TranscribeDetailed(ctx, wav)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// TranscribeDetailed returns the best alternative with its confidence
func (d *DeepgramClient) TranscribeDetailed(ctx context.Context, wav []byte) (*TranscriptionResult, error) {
	start := time.Now()
	var result *TranscriptionResult

	err := d.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			res, err := d.api.FromStream(ctx, bytes.NewReader(wav), &interfaces.PreRecordedTranscriptionOptions{
				Model:       d.model,
				Language:    d.language,
				Punctuate:   true,
				SmartFormat: true,
			})
			if err != nil {
				return err
			}
			result, err = bestAlternative(res)
			return err
		}, d.retry, resilience.IsRetryableNetworkError)
	}, func(err error) bool {
		return !errors.Is(err, ErrNoTranscript) && ctx.Err() == nil
	})

	observability.RecordTranscription(time.Since(start), err == nil)
	if err != nil {
		if !errors.Is(err, ErrNoTranscript) && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(serviceName)
		}
		return nil, fmt.Errorf("deepgram transcription: %w", err)
	}

	d.logger.Debug().
		Float64("confidence", result.Confidence).
		Int("chars", len(result.Text)).
		Dur("latency", time.Since(start)).
		Msg("Transcribed reference audio")
	return result, nil
}

// Healthy reports false while the circuit breaker is open
func (d *DeepgramClient) Healthy(context.Context) (bool, error) {
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func bestAlternative(res *restinterfaces.PreRecordedResponse) (*TranscriptionResult, error) {
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return nil, ErrNoTranscript
	}
	alternatives := res.Results.Channels[0].Alternatives
	if len(alternatives) == 0 {
		return nil, ErrNoTranscript
	}

	text := strings.TrimSpace(alternatives[0].Transcript)
	if text == "" {
		return nil, ErrNoTranscript
	}

	result := &TranscriptionResult{
		Text:       text,
		Confidence: alternatives[0].Confidence,
	}
	if res.Metadata != nil {
		result.Duration = res.Metadata.Duration
	}
	return result, nil
}
