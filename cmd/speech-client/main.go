// Command speech-client sends one synthesis request to a running gateway and
// writes the returned waveform to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/resilience"
	"github.com/lexiqai/speech-gateway/internal/tts"
)

// Flag descriptions.
const (
	flagURLDesc       = "Gateway base URL"
	flagModelDesc     = "Model name (directory under the models root)"
	flagTextDesc      = "Text to synthesize"
	flagTextFileDesc  = "Read the text from a file instead of --text"
	flagVoiceDesc     = "Preset voice name"
	flagRefDesc       = "Reference WAV file for voice cloning"
	flagRefTextDesc   = "Transcript of the reference WAV"
	flagOutputDesc    = "Output file path (.wav)"
	flagMultipartDesc = "Send multipart/form-data instead of JSON"
	flagSeedDesc      = "Sampling seed (-1 leaves it unset)"
	flagRetriesDesc   = "Attempts on 503 or transport errors"
	flagTimeoutDesc   = "Overall request timeout"
	flagVerboseDesc   = "Enable debug logging"
)

const defaultOutputFile = "speech.wav"

type appFlags struct {
	url       string
	model     string
	text      string
	textFile  string
	voice     string
	ref       string
	refText   string
	output    string
	multipart bool
	seed      int
	retries   int
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	level := zerolog.InfoLevel
	if flags.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	req, err := buildRequest(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	encoding := tts.EncodingJSON
	if flags.multipart {
		encoding = tts.EncodingMultipart
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = flags.retries

	client := tts.NewClient(flags.url,
		tts.WithEncoding(encoding),
		tts.WithRetry(retry),
		tts.WithLogger(logger),
	)

	start := time.Now()
	speech, err := client.Synthesize(ctx, req)
	if err != nil {
		var apiErr *tts.APIError
		if errors.As(err, &apiErr) {
			logger.Error().Int("status", apiErr.StatusCode).Str("code", apiErr.Code).Str("run_id", apiErr.RunID).Msg(apiErr.Message)
		}
		return fmt.Errorf("synthesis failed: %w", err)
	}

	if dir := filepath.Dir(flags.output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(flags.output, speech.Audio, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", flags.output, err)
	}

	logger.Info().
		Str("run_id", speech.RunID).
		Str("output", flags.output).
		Int("bytes", len(speech.Audio)).
		Dur("elapsed", time.Since(start)).
		Msg("Speech generated")
	return nil
}

func parseFlags() appFlags {
	var f appFlags
	flag.StringVar(&f.url, "url", "http://localhost:8080", flagURLDesc)
	flag.StringVar(&f.model, "model", "", flagModelDesc)
	flag.StringVar(&f.text, "text", "", flagTextDesc)
	flag.StringVar(&f.textFile, "text-file", "", flagTextFileDesc)
	flag.StringVar(&f.voice, "voice", "", flagVoiceDesc)
	flag.StringVar(&f.ref, "reference", "", flagRefDesc)
	flag.StringVar(&f.refText, "reference-text", "", flagRefTextDesc)
	flag.StringVar(&f.output, "output", defaultOutputFile, flagOutputDesc)
	flag.BoolVar(&f.multipart, "multipart", false, flagMultipartDesc)
	flag.IntVar(&f.seed, "seed", -1, flagSeedDesc)
	flag.IntVar(&f.retries, "retries", 3, flagRetriesDesc)
	flag.DurationVar(&f.timeout, "timeout", 10*time.Minute, flagTimeoutDesc)
	flag.BoolVar(&f.verbose, "verbose", false, flagVerboseDesc)
	flag.Parse()
	return f
}

func buildRequest(f appFlags) (tts.SpeechRequest, error) {
	if f.model == "" {
		return tts.SpeechRequest{}, errors.New("--model is required")
	}
	text := f.text
	switch {
	case f.text != "" && f.textFile != "":
		return tts.SpeechRequest{}, errors.New("cannot specify both --text and --text-file")
	case f.textFile != "":
		data, err := os.ReadFile(f.textFile)
		if err != nil {
			return tts.SpeechRequest{}, fmt.Errorf("failed to read text file: %w", err)
		}
		text = string(data)
	case f.text == "":
		return tts.SpeechRequest{}, errors.New("either --text or --text-file must be provided")
	}

	req := tts.SpeechRequest{
		Model:         f.model,
		Input:         text,
		Voice:         f.voice,
		ReferenceText: f.refText,
	}
	if f.seed >= 0 {
		seed := f.seed
		req.Seed = &seed
	}
	if f.ref != "" {
		data, err := os.ReadFile(f.ref)
		if err != nil {
			return tts.SpeechRequest{}, fmt.Errorf("failed to read reference audio: %w", err)
		}
		req.ReferenceAudio = data
		req.ReferenceFilename = filepath.Base(f.ref)
	}
	return req, nil
}
