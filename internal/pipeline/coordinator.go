// Package pipeline coordinates one synthesis run across the three inference
// collaborators inside a scoped workspace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/speech-gateway/internal/audio"
	"github.com/lexiqai/speech-gateway/internal/inference"
	"github.com/lexiqai/speech-gateway/internal/models"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
	"github.com/lexiqai/speech-gateway/internal/workspace"
)

// ModelResolver maps a model name to checkpoint paths
type ModelResolver interface {
	Resolve(name string) (models.Paths, error)
}

// Config holds coordinator settings
type Config struct {
	WorkspaceDir string // Parent of per-run scopes
	OutputDir    string // Finished waveforms are copied here
	Device       string // Passed to every collaborator
	Compile      bool
}

// Coordinator runs synthesis requests. It is safe for concurrent use; the
// device lock serializes whole runs.
type Coordinator struct {
	cfg       Config
	models    ModelResolver
	encoder   inference.Encoder
	decoder   inference.Decoder
	vocoder   inference.Vocoder
	reclaimer inference.Reclaimer
	device    *Device
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithCircuitBreaker fails runs fast while the breaker is open
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Coordinator) { c.breaker = cb }
}

// WithDevice shares a device lock between coordinators
func WithDevice(d *Device) Option {
	return func(c *Coordinator) { c.device = d }
}

// WithLogger sets the base logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator wires the collaborators together
func NewCoordinator(
	cfg Config,
	resolver ModelResolver,
	encoder inference.Encoder,
	decoder inference.Decoder,
	vocoder inference.Vocoder,
	reclaimer inference.Reclaimer,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		models:    resolver,
		encoder:   encoder,
		decoder:   decoder,
		vocoder:   vocoder,
		reclaimer: reclaimer,
		logger:    observability.GetLogger(),
		tracer:    observability.Tracer("speech-gateway/pipeline"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.device == nil {
		c.device = NewDevice()
	}
	if c.reclaimer == nil {
		c.reclaimer = inference.ReclaimFunc(func(context.Context) {})
	}
	return c
}

// Device returns the device lock
func (c *Coordinator) Device() *Device {
	return c.device
}

// Breaker returns the circuit breaker, or nil
func (c *Coordinator) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// RunOption customizes one run
type RunOption func(*RunOptions)

// RunOptions is the per-run configuration assembled from RunOption values
type RunOptions struct {
	RunID    string
	Observer Observer
}

// ApplyRunOptions folds opts into a RunOptions value
func ApplyRunOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRunID fixes the run identifier instead of generating one
func WithRunID(id string) RunOption {
	return func(o *RunOptions) { o.RunID = id }
}

// WithObserver receives every state transition of the run
func WithObserver(fn Observer) RunOption {
	return func(o *RunOptions) { o.Observer = fn }
}

// Result describes a successful run
type Result struct {
	RunID      string
	OutputPath string // Outside the scope; the caller owns it
	OutputSize int64
	Model      string
	Stages     []StageTiming
	Duration   time.Duration
}

// Run executes the pipeline for req. voice may be nil. On every exit path the
// reclaimer runs and then the workspace scope is removed.
func (c *Coordinator) Run(ctx context.Context, req synthesis.Request, voice *synthesis.ReferenceVoice, opts ...RunOption) (*Result, error) {
	o := ApplyRunOptions(opts...)
	if o.RunID == "" {
		o.RunID = observability.NewRunID()
	}

	r := &run{
		c:        c,
		id:       o.RunID,
		req:      req,
		voice:    voice,
		observer: o.Observer,
		state:    StateIdle,
		entered:  time.Now(),
		metrics:  observability.NewRunMetrics(o.RunID),
		logger: observability.WithRunID(c.logger, o.RunID).With().
			Str("model", req.ModelName).
			Str("voice_source", voiceSource(voice).String()).
			Logger(),
	}

	ctx, span := c.tracer.Start(ctx, "synthesis.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("model", req.ModelName),
		attribute.Bool("reference", voice.HasAudio()),
		attribute.Int("text.chars", len([]rune(req.Text))),
	))
	defer span.End()

	result, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, synthesis.KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("output.bytes", result.OutputSize))
	return result, nil
}

// run holds the state of one pipeline execution
type run struct {
	c        *Coordinator
	id       string
	req      synthesis.Request
	voice    *synthesis.ReferenceVoice
	observer Observer
	logger   zerolog.Logger
	metrics  *observability.RunMetrics

	state   State
	entered time.Time
	stages  []StageTiming
	paths   models.Paths
	scope   *workspace.Scope
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	start := time.Now()

	if r.req.Instructions != "" {
		r.logger.Debug().Str("instructions", r.req.Instructions).Msg("Ignoring instructions field")
	}

	paths, err := r.c.models.Resolve(r.req.ModelName)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.paths = paths

	r.metrics.RecordRunStart()
	var result *Result
	if r.c.breaker != nil {
		err = r.c.breaker.Call(func() error {
			var runErr error
			result, runErr = r.onDevice(ctx)
			return runErr
		}, func(err error) bool {
			// Client cancellation says nothing about backend health.
			return synthesis.KindOf(err) == synthesis.KindInference && ctx.Err() == nil
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %w", synthesis.ErrInferenceUnavailable, err)
			r.fail(err)
		}
	} else {
		result, err = r.onDevice(ctx)
	}

	if err != nil {
		r.metrics.RecordRunEnd(synthesis.KindOf(err).String())
		return nil, err
	}

	result.Duration = time.Since(start)
	r.metrics.RecordRunEnd("success")
	r.logger.Info().
		Dur("duration", result.Duration).
		Int64("output_bytes", result.OutputSize).
		Msgf("Inference completed in %.2f seconds", result.Duration.Seconds())
	return result, nil
}

// onDevice runs everything that needs exclusive device access
func (r *run) onDevice(ctx context.Context) (*Result, error) {
	waitStart := time.Now()
	release, err := r.c.device.Acquire(ctx)
	if err != nil {
		r.fail(err)
		return nil, fmt.Errorf("wait for inference device: %w", err)
	}
	defer release()
	r.metrics.RecordDeviceWait(time.Since(waitStart))

	scope, err := workspace.Acquire(r.c.cfg.WorkspaceDir)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.scope = scope
	defer r.cleanup(ctx)

	result, err := r.advance(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	return result, nil
}

// cleanup reclaims device memory and then removes the scope. Failures are
// logged and never replace the run outcome.
func (r *run) cleanup(ctx context.Context) {
	defer func() {
		if err := r.scope.Release(); err != nil {
			r.logger.Error().Err(err).Str("scope", r.scope.Dir()).Msg("Failed to release workspace")
			r.metrics.RecordError("workspace_release", "pipeline")
		}
	}()
	r.reclaim(ctx)
}

// reclaim runs the reclaimer and contains any panic it raises
func (r *run) reclaim(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Device memory reclaim panicked")
			r.metrics.RecordError("reclaim_panic", "pipeline")
		}
	}()
	r.c.reclaimer.Reclaim(ctx)
}

// advance walks the state machine from Idle to Done, one stage at a time
func (r *run) advance(ctx context.Context) (*Result, error) {
	hasReference := r.voice.HasAudio()

	var (
		promptTokens string
		semantic     string
		output       string
		size         int64
		err          error
	)

	for r.transition(next(r.state, hasReference)); !r.state.Terminal(); r.transition(next(r.state, hasReference)) {
		switch r.state {
		case StateReferenceEncoding:
			promptTokens, err = r.encodeReference(ctx)
		case StateSemanticGeneration:
			semantic, err = r.generateSemantic(ctx, promptTokens)
		case StateWaveformSynthesis:
			var waveform string
			if waveform, err = r.synthesizeWaveform(ctx, semantic); err == nil {
				output, size, err = r.finalize(waveform)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		RunID:      r.id,
		OutputPath: output,
		OutputSize: size,
		Model:      r.paths.Name,
		Stages:     r.stages,
	}, nil
}

func (r *run) encodeReference(ctx context.Context) (string, error) {
	ctx, span := r.c.tracer.Start(ctx, "stage.reference_encoding")
	defer span.End()

	refPath, err := r.scope.NewArtifact("reference.wav")
	if err != nil {
		return "", stageError(span, synthesis.ErrReferenceEncodingFailed, err)
	}

	report, err := audio.NormalizeReference(r.voice.Audio, refPath)
	if err != nil {
		return "", stageError(span, synthesis.ErrReferenceEncodingFailed, err)
	}
	r.metrics.RecordAudioBytes("reference", int64(len(r.voice.Audio)))
	r.logger.Debug().
		Int("sample_rate", report.SampleRate).
		Int("channels", report.Channels).
		Float64("peak", report.Peak).
		Bool("scaled", report.Scaled).
		Float64("rms", report.RMS).
		Msg("Normalized reference audio")
	if report.Silent {
		r.logger.Warn().Float64("rms", report.RMS).Msg("Reference audio is near-silent; cloning quality will suffer")
	}

	tokensPath, err := r.scope.NewArtifact("reference_tokens.npy")
	if err != nil {
		return "", stageError(span, synthesis.ErrReferenceEncodingFailed, err)
	}

	err = r.c.encoder.Encode(ctx, inference.EncodeParams{
		InputPath:  refPath,
		OutputPath: tokensPath,
		Checkpoint: r.paths.DecoderCheckpoint,
		Device:     r.c.cfg.Device,
	})
	if err == nil {
		err = requireOutput(tokensPath)
	}
	if err != nil {
		return "", stageError(span, synthesis.ErrReferenceEncodingFailed, err)
	}
	return tokensPath, nil
}

func (r *run) generateSemantic(ctx context.Context, promptTokens string) (string, error) {
	ctx, span := r.c.tracer.Start(ctx, "stage.semantic_generation")
	defer span.End()

	outDir, err := r.scope.NewArtifact("semantic")
	if err == nil {
		err = os.Mkdir(outDir, 0o750)
	}
	if err != nil {
		return "", stageError(span, synthesis.ErrSemanticGenerationFailed, err)
	}

	var promptText string
	if r.voice != nil {
		promptText = r.voice.PromptText
	}

	tokensPath, err := r.c.decoder.Generate(ctx, inference.GenerateParams{
		Text:         r.req.Text,
		Checkpoint:   r.paths.SemanticCheckpoint,
		OutputDir:    outDir,
		PromptTokens: promptTokens,
		PromptText:   promptText,
		Device:       r.c.cfg.Device,
		Compile:      r.c.cfg.Compile,
		Sampling:     r.req.Sampling,
	})
	if err == nil {
		err = requireOutput(tokensPath)
	}
	if err != nil {
		return "", stageError(span, synthesis.ErrSemanticGenerationFailed, err)
	}
	return tokensPath, nil
}

func (r *run) synthesizeWaveform(ctx context.Context, semantic string) (string, error) {
	ctx, span := r.c.tracer.Start(ctx, "stage.waveform_synthesis")
	defer span.End()

	wavPath, err := r.scope.NewArtifact("speech.wav")
	if err != nil {
		return "", stageError(span, synthesis.ErrWaveformSynthesisFailed, err)
	}

	err = r.c.vocoder.Synthesize(ctx, inference.SynthesizeParams{
		InputPath:  semantic,
		OutputPath: wavPath,
		Checkpoint: r.paths.DecoderCheckpoint,
		Device:     r.c.cfg.Device,
	})
	if err == nil {
		err = requireOutput(wavPath)
	}
	if err != nil {
		return "", stageError(span, synthesis.ErrWaveformSynthesisFailed, err)
	}
	return wavPath, nil
}

// finalize copies the waveform out of the scope so it survives release
func (r *run) finalize(waveform string) (string, int64, error) {
	if err := os.MkdirAll(r.c.cfg.OutputDir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	dst := filepath.Join(r.c.cfg.OutputDir, r.id+".wav")

	size, err := copyFile(waveform, dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", 0, fmt.Errorf("copy waveform: %w", err)
	}
	r.metrics.RecordAudioBytes("output", size)
	return dst, size, nil
}

// transition records the time spent in the current state and moves on
func (r *run) transition(to State) {
	now := time.Now()
	elapsed := now.Sub(r.entered)
	from := r.state

	if isStage(from) {
		r.stages = append(r.stages, StageTiming{State: from, Duration: elapsed})
		r.metrics.RecordStage(from.String(), elapsed, true)
		r.logger.Info().Str("stage", from.String()).Dur("duration", elapsed).Msg("Stage finished")
	}

	r.state = to
	r.entered = now
	r.emit(Event{RunID: r.id, State: to, Previous: from, At: now, Elapsed: elapsed})
}

// fail moves the run to Failed. Later calls are ignored.
func (r *run) fail(err error) {
	if r.state.Terminal() {
		return
	}
	from := r.state
	now := time.Now()
	elapsed := now.Sub(r.entered)

	if isStage(from) {
		r.stages = append(r.stages, StageTiming{State: from, Duration: elapsed})
		r.metrics.RecordStage(from.String(), elapsed, false)
	}
	r.logger.Error().Err(err).Str("stage", from.String()).Msg("Synthesis run failed")

	r.state = StateFailed
	r.entered = now
	r.emit(Event{RunID: r.id, State: StateFailed, Previous: from, At: now, Elapsed: elapsed, Err: err})
}

func (r *run) emit(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}

func isStage(s State) bool {
	return s == StateReferenceEncoding || s == StateSemanticGeneration || s == StateWaveformSynthesis
}

func stageError(span trace.Span, sentinel, err error) error {
	wrapped := fmt.Errorf("%w: %w", sentinel, err)
	span.RecordError(wrapped)
	span.SetStatus(codes.Error, sentinel.Error())
	return wrapped
}

// requireOutput treats a missing or empty artifact as a stage failure
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output %s: %w", filepath.Base(path), err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("expected output %s is empty", filepath.Base(path))
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func voiceSource(v *synthesis.ReferenceVoice) synthesis.VoiceKind {
	if v == nil {
		return synthesis.VoiceNone
	}
	return v.Source
}
