package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the speech gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health endpoint

	// Filesystem layout
	ModelsDir    string `envconfig:"MODELS_DIR" default:"models"`    // One sub-directory per provisioned model
	VoicesDir    string `envconfig:"VOICES_DIR" default:"voices"`    // <name>.wav + <name>.lab preset pairs
	WorkspaceDir string `envconfig:"WORKSPACE_DIR" default:"temp"`   // Parent of per-run scratch directories
	OutputDir    string `envconfig:"OUTPUT_DIR" default:"output"`    // Finished waveforms land here
	OutputRetain bool   `envconfig:"OUTPUT_RETAIN" default:"false"` // Keep output files after they are served

	// Inference collaborators
	DefaultDecoderCheckpoint string `envconfig:"DEFAULT_DECODER_CHECKPOINT" default:"firefly-gan-vq-fsq-8x1024-21hz-generator.pth"`
	InferenceDevice          string `envconfig:"INFERENCE_DEVICE" default:"cuda"`
	InferenceCompile         bool   `envconfig:"INFERENCE_COMPILE" default:"false"`
	EncoderCommand           string `envconfig:"ENCODER_COMMAND" default:"python -m fish_speech.models.vqgan.inference"`
	DecoderCommand           string `envconfig:"DECODER_COMMAND" default:"python -m fish_speech.models.text2semantic.inference"`
	VocoderCommand           string `envconfig:"VOCODER_COMMAND" default:"python -m fish_speech.models.vqgan.inference"`
	ReclaimCommand           string `envconfig:"RECLAIM_COMMAND" default:""` // Optional; empty disables the external reclaim step

	// Timeouts
	StageTimeout       time.Duration `envconfig:"STAGE_TIMEOUT" default:"300s"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"600s"`
	ReclaimTimeout     time.Duration `envconfig:"RECLAIM_TIMEOUT" default:"30s"`
	MaxMultipartMemory int64         `envconfig:"MAX_MULTIPART_MEMORY" default:"33554432"` // 32 MiB

	// Reference transcription (optional)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// NATS worker and waveform archive (optional)
	NATSURL      string `envconfig:"NATS_URL" default:""`
	NATSEmbedded bool   `envconfig:"NATS_EMBEDDED" default:"false"`
	NATSPort     int    `envconfig:"NATS_PORT" default:"4222"`
	NATSSubject  string `envconfig:"NATS_SUBJECT" default:"speech.synthesize"`
	NATSBucket   string `envconfig:"NATS_BUCKET" default:"SPEECH_AUDIO"`

	// Run ledger
	RunLogPath          string `envconfig:"RUNLOG_PATH" default:"data/runs.db"`
	RunLogRetentionDays int    `envconfig:"RUNLOG_RETENTION_DAYS" default:"30"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT" default:""` // Empty means stdout exporter
	OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if strings.TrimSpace(c.DecoderCommand) == "" {
		return errors.New("DECODER_COMMAND must not be empty")
	}
	if strings.TrimSpace(c.VocoderCommand) == "" {
		return errors.New("VOCODER_COMMAND must not be empty")
	}
	if strings.TrimSpace(c.EncoderCommand) == "" {
		return errors.New("ENCODER_COMMAND must not be empty")
	}
	if c.StageTimeout <= 0 {
		return errors.New("STAGE_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.MaxMultipartMemory <= 0 {
		return errors.New("MAX_MULTIPART_MEMORY must be positive")
	}
	if c.NATSEmbedded && (c.NATSPort <= 0 || c.NATSPort > 65535) {
		return errors.New("NATS_PORT must be between 1 and 65535 when NATS_EMBEDDED is set")
	}
	if c.RunLogRetentionDays < 0 {
		return errors.New("RUNLOG_RETENTION_DAYS must be >= 0")
	}
	return nil
}

// DeepgramEnabled reports whether reference transcription is configured
func (c *Config) DeepgramEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// NATSEnabled reports whether the worker and archive should start
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != "" || c.NATSEmbedded
}
