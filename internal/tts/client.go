// Package tts is a Go client for the speech gateway HTTP API.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/resilience"
)

const speechPath = "/audio/speech"

// headerRunID mirrors the header set by the gateway on every response
const headerRunID = "X-Run-ID"

// Client calls POST /audio/speech
type Client struct {
	baseURL    string
	httpClient *http.Client
	encoding   Encoding
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEncoding selects JSON (default) or multipart bodies
func WithEncoding(enc Encoding) Option {
	return func(c *Client) { c.encoding = enc }
}

// WithRetry retries transport errors and 503 responses
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the gateway at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		retry:      &resilience.RetryConfig{MaxAttempts: 1},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize sends req and returns the waveform
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	body, contentType, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	var speech *Speech
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		s, err := c.post(ctx, body, contentType)
		if err != nil {
			return err
		}
		speech = s
		return nil
	}, c.retry, isRetryable)
	if err != nil {
		return nil, err
	}
	return speech, nil
}

// isRetryable retries 503 responses and transport failures. Other gateway
// responses are final.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return resilience.IsRetryableNetworkError(err)
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (*Speech, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+speechPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "audio/wav")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	runID := resp.Header.Get(headerRunID)
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp, runID)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read waveform: %w", err)
	}
	c.logger.Debug().
		Str("run_id", runID).
		Int("bytes", len(audio)).
		Dur("elapsed", time.Since(start)).
		Msg("Received waveform")
	return &Speech{RunID: runID, Audio: audio}, nil
}

func decodeError(resp *http.Response, runID string) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, RunID: runID}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if env.Error.RunID != "" {
			apiErr.RunID = env.Error.RunID
		}
		return apiErr
	}

	apiErr.Code = "http_" + strconv.Itoa(resp.StatusCode)
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) encode(req SpeechRequest) ([]byte, string, error) {
	if c.encoding == EncodingMultipart {
		return encodeMultipart(req)
	}
	return encodeJSON(req)
}

type jsonRequest struct {
	Model             string   `json:"model"`
	Input             string   `json:"input"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	ReferenceText     string   `json:"reference_text,omitempty"`
	ReferenceAudioB64 string   `json:"reference_audio_base64,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	ChunkLength       *int     `json:"chunk_length,omitempty"`
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
}

func encodeJSON(req SpeechRequest) ([]byte, string, error) {
	body := jsonRequest{
		Model:             req.Model,
		Input:             req.Input,
		Voice:             req.Voice,
		Instructions:      req.Instructions,
		ReferenceText:     req.ReferenceText,
		TopP:              req.TopP,
		Temperature:       req.Temperature,
		RepetitionPenalty: req.RepetitionPenalty,
		ChunkLength:       req.ChunkLength,
		MaxNewTokens:      req.MaxNewTokens,
		Seed:              req.Seed,
	}
	if len(req.ReferenceAudio) > 0 {
		body.ReferenceAudioB64 = base64.StdEncoding.EncodeToString(req.ReferenceAudio)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, "application/json", nil
}

func encodeMultipart(req SpeechRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", req.Model},
		{"input", req.Input},
		{"voice", req.Voice},
		{"instructions", req.Instructions},
		{"reference_text", req.ReferenceText},
		{"top_p", formatFloat(req.TopP)},
		{"temperature", formatFloat(req.Temperature)},
		{"repetition_penalty", formatFloat(req.RepetitionPenalty)},
		{"chunk_length", formatInt(req.ChunkLength)},
		{"max_new_tokens", formatInt(req.MaxNewTokens)},
		{"seed", formatInt(req.Seed)},
	}
	for _, f := range fields {
		// model and input are always sent so the server can report them missing
		if f[1] == "" && f[0] != "model" && f[0] != "input" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if len(req.ReferenceAudio) > 0 {
		name := req.ReferenceFilename
		if name == "" {
			name = "reference.wav"
		}
		part, err := mw.CreateFormFile("reference_audio", name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(req.ReferenceAudio); err != nil {
			return nil, "", fmt.Errorf("failed to write reference audio: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
