package worker_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/speech-gateway/internal/gateway"
	"github.com/lexiqai/speech-gateway/internal/objectstore"
	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
	"github.com/lexiqai/speech-gateway/internal/worker"
)

const subject = "speech.test"

var waveform = []byte("RIFF\x24\x00\x00\x00WAVEfmt worker output")

type noVoices struct{}

func (noVoices) Resolve(context.Context, synthesis.VoiceSelector) (*synthesis.ReferenceVoice, error) {
	return nil, nil
}

type fileRunner struct {
	dir   string
	calls atomic.Int32
}

func (f *fileRunner) Run(_ context.Context, req synthesis.Request, _ *synthesis.ReferenceVoice, opts ...pipeline.RunOption) (*pipeline.Result, error) {
	f.calls.Add(1)
	o := pipeline.ApplyRunOptions(opts...)
	out := filepath.Join(f.dir, o.RunID+".wav")
	if err := os.WriteFile(out, waveform, 0o600); err != nil {
		return nil, err
	}
	return &pipeline.Result{RunID: o.RunID, OutputPath: out, OutputSize: int64(len(waveform)), Model: req.ModelName}, nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	nc, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		server.Shutdown()
	})
	return nc
}

type setup struct {
	nc     *nats.Conn
	store  *objectstore.NatsObjectStore
	runner *fileRunner
	outDir string
}

func startWorker(t *testing.T, withArchive bool) *setup {
	t.Helper()

	nc := createTestNatsClient(t)
	outDir := t.TempDir()
	runner := &fileRunner{dir: outDir}
	svc := gateway.NewService(noVoices{}, runner, nil, zerolog.Nop())

	s := &setup{nc: nc, runner: runner, outDir: outDir}
	var archive worker.Archive
	if withArchive {
		js, err := nc.JetStream()
		require.NoError(t, err)
		s.store, err = objectstore.New(js, "TEST_AUDIO", nil, zerolog.Nop())
		require.NoError(t, err)
		archive = s.store
	}

	w := worker.NewNatsWorker(nc, subject, svc, archive, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	// Wait until the subscription is registered with the server.
	require.NoError(t, nc.Flush())
	require.Eventually(t, func() bool {
		_, err := nc.Request(subject, []byte(`{}`), 200*time.Millisecond)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return s
}

func request(t *testing.T, nc *nats.Conn, body string) worker.Reply {
	t.Helper()
	msg, err := nc.Request(subject, []byte(body), 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply worker.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestWorker_ArchivesWaveform(t *testing.T) {
	s := startWorker(t, true)

	reply := request(t, s.nc, `{"model":"s1-mini","input":"Hello from NATS"}`)
	require.Nil(t, reply.Error)
	assert.NotEmpty(t, reply.RunID)
	assert.Equal(t, reply.RunID+".wav", reply.AudioKey)
	assert.Equal(t, int64(len(waveform)), reply.AudioBytes)
	assert.Equal(t, "s1-mini", reply.Model)

	data, err := s.store.Download(context.Background(), reply.AudioKey)
	require.NoError(t, err)
	assert.Equal(t, waveform, data)

	entries, err := os.ReadDir(s.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "local output is removed once archived")
}

func TestWorker_ValidationErrorReply(t *testing.T) {
	s := startWorker(t, true)
	calls := s.runner.calls.Load()

	reply := request(t, s.nc, `{"model":"s1-mini","input":"Hi","reference_audio_base64":"%%%"}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "validation_error", reply.Error.Code)
	assert.Equal(t, "Invalid base64 data", reply.Error.Message)
	assert.Empty(t, reply.AudioKey)
	assert.Equal(t, calls, s.runner.calls.Load())
}

func TestWorker_WithoutArchive(t *testing.T) {
	s := startWorker(t, false)

	reply := request(t, s.nc, `{"model":"s1-mini","input":"No archive"}`)
	require.Nil(t, reply.Error)
	assert.Empty(t, reply.AudioKey)
	assert.Equal(t, int64(len(waveform)), reply.AudioBytes)
}
