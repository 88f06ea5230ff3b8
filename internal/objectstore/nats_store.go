// Package objectstore archives finished waveforms in a NATS JetStream object store.
package objectstore

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/resilience"
)

// ErrNotFound is returned when no object exists under a key
var ErrNotFound = nats.ErrObjectNotFound

// NatsObjectStore stores waveforms under <run id>.wav keys
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// New binds to bucket, creating it on first use
func New(js nats.JetStreamContext, bucket string, retry *resilience.RetryConfig, logger zerolog.Logger) (*NatsObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Synthesized speech waveforms",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		// The bucket may already exist with a different configuration.
		var bindErr error
		store, bindErr = js.ObjectStore(bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
	}

	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &NatsObjectStore{
		bucket: bucket,
		store:  store,
		retry:  retry,
		logger: logger.With().Str("component", "objectstore").Str("bucket", bucket).Logger(),
	}, nil
}

// Key is the archive key for a run's waveform
func Key(runID string) string {
	return runID + ".wav"
}

// UploadFile streams the file at path to key, retrying transient failures
func (n *NatsObjectStore) UploadFile(ctx context.Context, key, path string) (int64, error) {
	var size uint64
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := n.store.Put(&nats.ObjectMeta{
			Name:        key,
			Description: "audio/wav",
		}, f, nats.Context(ctx))
		if err != nil {
			return resilience.NewRetryableError(err)
		}
		size = info.Size
		return nil
	}, n.retry, resilience.IsRetryable)
	if err != nil {
		return 0, fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	n.logger.Debug().Str("key", key).Uint64("bytes", size).Msg("Archived waveform")
	return int64(size), nil
}

// Download returns the object stored under key
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}
	return data, nil
}

// Delete removes key from the bucket
func (n *NatsObjectStore) Delete(key string) error {
	if err := n.store.Delete(key); err != nil {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}
	return nil
}
