// Package objectstore archives finished narrations in a NATS JetStream
// object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Metadata keys attached to every archived narration.
const (
	MetaJobID       = "job_id"
	MetaWorkflowID  = "workflow_id"
	MetaVoiceID     = "voice_id"
	MetaContentType = "content_type"

	audioContentType = "audio/wav"
)

// ErrJobIDEmpty indicates an archive call without a job id.
var ErrJobIDEmpty = errors.New("job id cannot be empty")

// AudioKey returns the object name a job's audio is stored under.
func AudioKey(jobID string) string {
	return jobID + ".wav"
}

// Narration describes one archived audio object.
type Narration struct {
	JobID      string
	WorkflowID string
	VoiceID    string
}

// AudioInfo is what the bucket knows about a stored narration.
type AudioInfo struct {
	Key      string
	Size     uint64
	Metadata map[string]string
}

// AudioArchive stores narration audio in one JetStream object store bucket.
type AudioArchive struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*AudioArchive, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Narration audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &AudioArchive{bucket: bucketName, store: store}, nil
}

// Archive stores a job's audio under AudioKey(JobID) and returns what the
// bucket recorded for it.
func (a *AudioArchive) Archive(ctx context.Context, narration Narration, audio []byte) (*AudioInfo, error) {
	if narration.JobID == "" {
		return nil, ErrJobIDEmpty
	}

	key := AudioKey(narration.JobID)

	info, err := a.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "narration for job " + narration.JobID,
		Metadata: map[string]string{
			MetaJobID:       narration.JobID,
			MetaWorkflowID:  narration.WorkflowID,
			MetaVoiceID:     narration.VoiceID,
			MetaContentType: audioContentType,
		},
	}, bytes.NewReader(audio), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, a.bucket, err)
	}

	return &AudioInfo{Key: info.Name, Size: info.Size, Metadata: info.Metadata}, nil
}

// Download retrieves an object from the bucket.
func (a *AudioArchive) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, a.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}
