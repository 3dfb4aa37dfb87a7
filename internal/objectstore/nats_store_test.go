// Package objectstore_test tests the NATS audio archive.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/narration-jobs/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newArchive(t *testing.T, bucket string) (*objectstore.AudioArchive, nats.JetStreamContext) {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	archive, err := objectstore.New(jetstreamContext, bucket)
	require.NoError(t, err)

	return archive, jetstreamContext
}

func TestAudioArchive_ArchiveKeysByJob(t *testing.T) {
	t.Parallel()

	archive, _ := newArchive(t, "narrations")
	ctx := context.Background()
	audio := []byte("RIFF....WAVEfmt ")

	info, err := archive.Archive(ctx, objectstore.Narration{JobID: "job-7", WorkflowID: "wf-1", VoiceID: "voice-1"}, audio)
	require.NoError(t, err)
	assert.Equal(t, "job-7.wav", info.Key)
	assert.Equal(t, objectstore.AudioKey("job-7"), info.Key)
	assert.Equal(t, uint64(len(audio)), info.Size)
	assert.Equal(t, "job-7", info.Metadata[objectstore.MetaJobID])
	assert.Equal(t, "wf-1", info.Metadata[objectstore.MetaWorkflowID])
	assert.Equal(t, "voice-1", info.Metadata[objectstore.MetaVoiceID])
	assert.Equal(t, "audio/wav", info.Metadata[objectstore.MetaContentType])

	stored, err := archive.Download(ctx, info.Key)
	require.NoError(t, err)
	assert.Equal(t, audio, stored)
}

func TestAudioArchive_Errors(t *testing.T) {
	t.Parallel()

	archive, jetstreamContext := newArchive(t, "narrations")
	ctx := context.Background()

	_, err := archive.Archive(ctx, objectstore.Narration{}, []byte("x"))
	require.ErrorIs(t, err, objectstore.ErrJobIDEmpty)

	_, err = archive.Download(ctx, "missing.wav")
	require.Error(t, err)

	// A second archive on the same bucket binds to it.
	again, err := objectstore.New(jetstreamContext, "narrations")
	require.NoError(t, err)

	info, err := again.Archive(ctx, objectstore.Narration{JobID: "shared"}, []byte("y"))
	require.NoError(t, err)

	data, err := archive.Download(ctx, info.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), data)
}
