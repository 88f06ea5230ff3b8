package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/api"
	"github.com/lexiqai/speech-gateway/internal/bus"
	"github.com/lexiqai/speech-gateway/internal/config"
	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/grpchealth"
	"github.com/lexiqai/speech-gateway/internal/inference"
	"github.com/lexiqai/speech-gateway/internal/models"
	"github.com/lexiqai/speech-gateway/internal/objectstore"
	"github.com/lexiqai/speech-gateway/internal/observability"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/runlog"
	"github.com/lexiqai/speech-gateway/internal/stt"
	"github.com/lexiqai/speech-gateway/internal/voice"
	"github.com/lexiqai/speech-gateway/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Speech gateway stopped with error")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("models_dir", cfg.ModelsDir).
		Str("voices_dir", cfg.VoicesDir).
		Str("device", cfg.InferenceDevice).
		Bool("deepgram", cfg.DeepgramEnabled()).
		Bool("nats", cfg.NATSEnabled()).
		Str("log_level", cfg.LogLevel).
		Msg("Speech gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	// Catalogs
	modelResolver := models.NewResolver(cfg.ModelsDir, cfg.DefaultDecoderCheckpoint)
	presets := voice.NewPresetStore(cfg.VoicesDir)

	// Reference transcription is optional; keep the interface nil when disabled
	var transcriber voice.Transcriber
	var deepgram *stt.DeepgramClient
	if cfg.DeepgramEnabled() {
		deepgram = stt.NewDeepgramClient(cfg, logger)
		transcriber = deepgram
	}
	voices := voice.NewResolver(presets, transcriber, logger)

	// Inference collaborators
	commands, err := parseCommands(cfg)
	if err != nil {
		return err
	}
	var reclaimCmd *inference.Command
	if cfg.ReclaimCommand != "" {
		reclaimCmd, err = inference.ParseCommand("reclaim", cfg.ReclaimCommand, cfg.ReclaimTimeout)
		if err != nil {
			return err
		}
	}

	breaker := resilience.NewCircuitBreaker(
		"inference",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	})

	device := pipeline.NewDevice()
	observability.RegisterDeviceQueueDepth(device.Waiting)

	coordinator := pipeline.NewCoordinator(
		pipeline.Config{
			WorkspaceDir: cfg.WorkspaceDir,
			OutputDir:    cfg.OutputDir,
			Device:       cfg.InferenceDevice,
			Compile:      cfg.InferenceCompile,
		},
		modelResolver,
		inference.NewExecEncoder(commands.encoder),
		inference.NewExecDecoder(commands.decoder),
		inference.NewExecVocoder(commands.vocoder),
		inference.NewExecReclaimer(reclaimCmd, logger),
		pipeline.WithCircuitBreaker(breaker),
		pipeline.WithDevice(device),
		pipeline.WithLogger(logger),
	)

	// Run ledger
	ledger, err := runlog.Open(ctx, cfg.RunLogPath, cfg.RunLogRetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer ledger.Close()

	var wg sync.WaitGroup
	if ledger.Enabled() && cfg.RunLogRetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.RunPruner(ctx, time.Hour)
		}()
	}

	svc := gateway.NewService(voices, coordinator, ledger, logger)

	checks := map[string]observability.HealthCheckFunc{
		"models":  dirCheck(cfg.ModelsDir),
		"voices":  dirCheck(cfg.VoicesDir),
		"encoder": commandCheck(commands.encoder),
		"decoder": commandCheck(commands.decoder),
		"vocoder": commandCheck(commands.vocoder),
		"inference": func(context.Context) (bool, error) {
			if breaker.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
	}
	if deepgram != nil {
		checks["deepgram"] = deepgram.Healthy
	}

	// NATS worker and waveform archive
	var runArchive api.Archive
	if cfg.NATSEnabled() {
		natsClient, embedded, err := connectBus(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		defer natsClient.Close()
		checks["nats"] = natsClient.Healthy

		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = cfg.RetryMaxAttempts
		retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
		archive, err := objectstore.New(natsClient.JetStream(), cfg.NATSBucket, retry, logger)
		if err != nil {
			return fmt.Errorf("failed to open waveform archive: %w", err)
		}
		runArchive = archive

		w := worker.NewNatsWorker(natsClient.Conn(), cfg.NATSSubject, svc, archive, cfg.RequestTimeout, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("NATS worker stopped")
			}
		}()
	}

	// gRPC health
	health := grpchealth.New(checks, 10*time.Second, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := health.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			logger.Error().Err(err).Msg("gRPC health server failed")
		}
	}()

	// HTTP
	mux := http.NewServeMux()
	api.NewServer(svc, presets, modelResolver, api.Options{
		MaxMultipartMemory: cfg.MaxMultipartMemory,
		RequestTimeout:     cfg.RequestTimeout,
		OutputRetain:       cfg.OutputRetain,
		Archive:            runArchive,
	}, logger).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Responses can only be written once inference finishes, so the write
	// timeout follows the request timeout
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/audio/speech", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server failed to start: %w", err)
		}
	}

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

type stageCommands struct {
	encoder *inference.Command
	decoder *inference.Command
	vocoder *inference.Command
}

func parseCommands(cfg *config.Config) (stageCommands, error) {
	var cmds stageCommands
	var err error
	if cmds.encoder, err = inference.ParseCommand("encoder", cfg.EncoderCommand, cfg.StageTimeout); err != nil {
		return cmds, err
	}
	if cmds.decoder, err = inference.ParseCommand("decoder", cfg.DecoderCommand, cfg.StageTimeout); err != nil {
		return cmds, err
	}
	if cmds.vocoder, err = inference.ParseCommand("vocoder", cfg.VocoderCommand, cfg.StageTimeout); err != nil {
		return cmds, err
	}
	return cmds, nil
}

// connectBus starts the embedded server when configured and dials it, or
// dials NATS_URL. The returned embedded server may be nil.
func connectBus(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*bus.Client, *bus.EmbeddedServer, error) {
	url := cfg.NATSURL
	var embedded *bus.EmbeddedServer
	if cfg.NATSEmbedded {
		var err error
		embedded, err = bus.StartEmbedded("127.0.0.1", cfg.NATSPort, filepath.Join(cfg.WorkspaceDir, "jetstream"), logger)
		if err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
	}

	client, err := bus.Connect(ctx, bus.Options{
		URL: url,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}, logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return client, embedded, nil
}

func dirCheck(dir string) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		info, err := os.Stat(dir)
		if err != nil {
			return false, err
		}
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return true, nil
	}
}

func commandCheck(cmd *inference.Command) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if err := cmd.Available(); err != nil {
			return false, fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		return true, nil
	}
}
