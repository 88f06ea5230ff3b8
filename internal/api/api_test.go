package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/objectstore"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/runlog"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

var fakeWAV = []byte("RIFF\x24\x00\x00\x00WAVEfmt synthesized")

type stubVoices struct{}

func (stubVoices) Resolve(_ context.Context, sel synthesis.VoiceSelector) (*synthesis.ReferenceVoice, error) {
	switch sel.Kind() {
	case synthesis.VoiceInline:
		return &synthesis.ReferenceVoice{Audio: sel.Audio, PromptText: sel.PromptText, Source: synthesis.VoiceInline}, nil
	case synthesis.VoicePreset:
		if sel.PresetName != "narrator" {
			return nil, fmt.Errorf("%w: %s", synthesis.ErrVoicePresetNotFound, sel.PresetName)
		}
		return &synthesis.ReferenceVoice{Audio: []byte("RIFF"), PromptText: "hello", Source: synthesis.VoicePreset}, nil
	}
	return nil, nil
}

// stubRunner writes a waveform into outDir the way the coordinator does
type stubRunner struct {
	outDir string
	err    error

	mu    sync.Mutex
	calls []synthesis.Request
	voice *synthesis.ReferenceVoice
}

func (s *stubRunner) Run(_ context.Context, req synthesis.Request, voice *synthesis.ReferenceVoice, opts ...pipeline.RunOption) (*pipeline.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.voice = voice
	s.mu.Unlock()

	o := pipeline.ApplyRunOptions(opts...)
	emit := func(state, prev pipeline.State, err error) {
		if o.Observer != nil {
			o.Observer(pipeline.Event{RunID: o.RunID, State: state, Previous: prev, At: time.Now(), Err: err})
		}
	}

	if req.ModelName != "s1-mini" {
		err := fmt.Errorf("%w: %s", synthesis.ErrModelNotFound, req.ModelName)
		emit(pipeline.StateFailed, pipeline.StateIdle, err)
		return nil, err
	}

	first := pipeline.StateSemanticGeneration
	if voice.HasAudio() {
		first = pipeline.StateReferenceEncoding
		emit(first, pipeline.StateIdle, nil)
		emit(pipeline.StateSemanticGeneration, first, nil)
	} else {
		emit(first, pipeline.StateIdle, nil)
	}
	if s.err != nil {
		emit(pipeline.StateFailed, pipeline.StateSemanticGeneration, s.err)
		return nil, s.err
	}
	emit(pipeline.StateWaveformSynthesis, pipeline.StateSemanticGeneration, nil)

	out := filepath.Join(s.outDir, o.RunID+".wav")
	if err := os.WriteFile(out, fakeWAV, 0o600); err != nil {
		return nil, err
	}
	emit(pipeline.StateDone, pipeline.StateWaveformSynthesis, nil)
	return &pipeline.Result{RunID: o.RunID, OutputPath: out, OutputSize: int64(len(fakeWAV)), Model: req.ModelName}, nil
}

func (s *stubRunner) lastVoice() *synthesis.ReferenceVoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubCatalog []string

func (c stubCatalog) List() ([]string, error) { return c, nil }

type harness struct {
	server *httptest.Server
	runner *stubRunner
	outDir string
}

func newHarness(t *testing.T, opts Options, runnerErr error) *harness {
	t.Helper()

	outDir := t.TempDir()
	ledger, err := runlog.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	runner := &stubRunner{outDir: outDir, err: runnerErr}
	svc := gateway.NewService(stubVoices{}, runner, ledger, zerolog.Nop())

	mux := http.NewServeMux()
	NewServer(svc, stubCatalog{"narrator"}, stubCatalog{"s1-mini"}, opts, zerolog.Nop()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{server: srv, runner: runner, outDir: outDir}
}

func (h *harness) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func outputFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSpeech_TextOnlyReturnsWaveform(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeWAV, resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="speech.wav"`, resp.Header.Get("Content-Disposition"))
	assert.NotEmpty(t, resp.Header.Get(HeaderRunID))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fakeWAV, body)

	assert.Nil(t, h.runner.lastVoice())
	assert.Empty(t, outputFiles(t, h.outDir), "served output is removed")
}

func TestSpeech_OutputRetained(t *testing.T) {
	h := newHarness(t, Options{OutputRetain: true}, nil)

	resp := h.postJSON(t, "/v1/audio/speech", `{"model":"s1-mini","input":"Hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)

	assert.Equal(t, []string{resp.Header.Get(HeaderRunID) + ".wav"}, outputFiles(t, h.outDir))
}

func TestSpeech_InvalidBase64IsRejectedBeforeInference(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hi","reference_audio_base64":"!!!notbase64"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	detail := decodeError(t, resp)
	assert.Equal(t, "validation_error", detail.Code)
	assert.Equal(t, "Invalid base64 data", detail.Message)
	assert.Equal(t, resp.Header.Get(HeaderRunID), detail.RunID)
	assert.Zero(t, h.runner.callCount())
}

func TestSpeech_UnknownModelIsNotFound(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := h.postJSON(t, "/audio/speech", `{"model":"nonexistent-model","input":"Hi"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, resp).Code)
	assert.Empty(t, outputFiles(t, h.outDir))
}

func TestSpeech_UnknownPresetIsNotFound(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hi","voice":"ghost"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, "voice preset not found")
	assert.Zero(t, h.runner.callCount())
}

func TestSpeech_MultipartNonWAVExtension(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "s1-mini"))
	require.NoError(t, mw.WriteField("input", "Hi"))
	part, err := mw.CreateFormFile("reference_audio", "sample.mp3")
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF\x24\x00\x00\x00WAVEfmt "))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.server.URL+"/audio/speech", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid audio format (must be WAV)", decodeError(t, resp).Message)
	assert.Zero(t, h.runner.callCount())
}

func TestSpeech_MultipartWithPreset(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "s1-mini"))
	require.NoError(t, mw.WriteField("input", "Hi"))
	require.NoError(t, mw.WriteField("voice", "narrator"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.server.URL+"/audio/speech", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	voice := h.runner.lastVoice()
	require.NotNil(t, voice)
	assert.Equal(t, synthesis.VoicePreset, voice.Source)
}

func TestSpeech_UnsupportedMediaType(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp, err := http.Post(h.server.URL+"/audio/speech", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, "unsupported_media_type", decodeError(t, resp).Code)
}

func TestSpeech_InferenceFailureIsGeneric(t *testing.T) {
	cause := fmt.Errorf("%w: traceback in /opt/fish/llama.py", synthesis.ErrSemanticGenerationFailed)
	h := newHarness(t, Options{}, cause)

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hi"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	detail := decodeError(t, resp)
	assert.Equal(t, "inference_failed", detail.Code)
	assert.Equal(t, "Speech synthesis failed", detail.Message)
	assert.NotContains(t, detail.Message, "/opt/fish")
}

func TestSpeech_CircuitOpenIsUnavailable(t *testing.T) {
	h := newHarness(t, Options{}, fmt.Errorf("%w: circuit breaker is open", synthesis.ErrInferenceUnavailable))

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", decodeError(t, resp).Code)
}

func TestSpeech_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp, err := http.Get(h.server.URL + "/audio/speech")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListEndpoints(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	for path, want := range map[string]string{"/voices": "narrator", "/models": "s1-mini"} {
		resp, err := http.Get(h.server.URL + path)
		require.NoError(t, err)

		var body map[string][]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		key := strings.TrimPrefix(path, "/")
		assert.Equal(t, []string{want}, body[key], path)
	}
}

func TestRunEndpoint(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := h.postJSON(t, "/audio/speech", `{"model":"s1-mini","input":"Hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	runID := resp.Header.Get(HeaderRunID)

	got, err := http.Get(h.server.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var run runlog.Run
	require.NoError(t, json.NewDecoder(got.Body).Decode(&run))
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, "done", run.State)
	assert.Equal(t, "http", run.Transport)
	assert.Equal(t, int64(len(fakeWAV)), run.OutputBytes)
	assert.Len(t, run.Events, 3)

	missing, err := http.Get(h.server.URL + "/runs/does-not-exist")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memArchive) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, objectstore.ErrNotFound)
	}
	return data, nil
}

func (m *memArchive) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, objectstore.ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRunAudioEndpoint(t *testing.T) {
	archive := &memArchive{objects: map[string][]byte{"run-7.wav": fakeWAV}}
	h := newHarness(t, Options{Archive: archive}, nil)
	base := h.server.URL + "/runs/run-7/audio"

	resp := doRequest(t, http.MethodGet, base)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeWAV, resp.Header.Get("Content-Type"))
	assert.Equal(t, "run-7", resp.Header.Get(HeaderRunID))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fakeWAV, body)

	resp = doRequest(t, http.MethodDelete, base)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, base)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "run-7", decodeError(t, resp).RunID)

	resp = doRequest(t, http.MethodDelete, base)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAudioEndpoint_WithoutArchive(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	resp := doRequest(t, http.MethodGet, h.server.URL+"/runs/run-7/audio")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, resp).Code)
}

func dialWS(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/audio/speech/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSpeechWS_StreamsStagesThenWaveform(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	conn := dialWS(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"model":"s1-mini","input":"Hello"}`)))

	var states []string
	var runID string
	for {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind == websocket.BinaryMessage {
			assert.Equal(t, fakeWAV, data)
			break
		}
		var msg StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		switch msg.Type {
		case MessageRun:
			runID = msg.RunID
		case MessageStage:
			assert.Equal(t, runID, msg.RunID)
			states = append(states, msg.State)
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	assert.NotEmpty(t, runID)
	assert.Equal(t, []string{"semantic_generation", "waveform_synthesis", "done"}, states)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Empty(t, outputFiles(t, h.outDir))
}

func TestSpeechWS_ValidationErrorFrame(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	conn := dialWS(t, h)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"model":"s1-mini"}`)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageRun, msg.Type)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageError, msg.Type)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "validation_error", msg.Error.Code)
	assert.Zero(t, h.runner.callCount())
}
