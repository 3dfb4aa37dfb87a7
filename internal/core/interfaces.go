// Package core defines the contracts shared by the narration job drivers.
package core

import (
	"context"

	"github.com/book-expert/narration-jobs/internal/jobclient"
)

// Pinger is the lightweight call the keep-alive heartbeat issues.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// KeepAlive is the registration surface of the process-wide heartbeat.
type KeepAlive interface {
	Start()
	Stop()
}

// SynthesisClient is the part of the backend a synthesis job needs.
type SynthesisClient interface {
	SubmitSynthesis(ctx context.Context, req jobclient.SynthesisRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*jobclient.TaskStatus, error)
	ResolveURL(locator string) string
}

// VoiceUploader is the part of the backend a voice ingestion needs.
type VoiceUploader interface {
	UploadVoice(ctx context.Context, upload jobclient.VoiceUpload) (*jobclient.Voice, error)
}

// AssetFetcher downloads the bytes behind a backend asset locator.
type AssetFetcher interface {
	Download(ctx context.Context, locator string) ([]byte, error)
}

// NarrationBackend is everything the NATS worker calls on the backend.
type NarrationBackend interface {
	SynthesisClient
	AssetFetcher
}
