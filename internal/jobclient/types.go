package jobclient

import (
	"encoding/json"
	"io"
	"math"
)

// Status is the authoritative backend state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further status change can follow.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SynthesisRequest is the JSON payload of POST /audio/generate.
type SynthesisRequest struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`

	// Temperature and CFGWeight fall back to DefaultTemperature and
	// DefaultCFGWeight when nil. An explicit zero is sent as zero.
	Temperature *float64 `json:"temperature"`
	CFGWeight   *float64 `json:"cfgWeight"`

	// Exaggeration controls emotional intensity. Omitted when zero so the
	// backend default applies.
	Exaggeration float64 `json:"exaggeration,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatus is the response of GET /audio/tasks/{task_id}.
type TaskStatus struct {
	Status   Status   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	AudioURL string   `json:"audio_url,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ProgressPercent returns the reported progress rounded and clamped to
// [0, 100]. ok is false when the backend omitted it.
func (t *TaskStatus) ProgressPercent() (int, bool) {
	if t.Progress == nil {
		return 0, false
	}

	value := int(math.Round(*t.Progress))

	return min(max(value, 0), 100), true
}

// VoiceUpload describes the multipart body of POST /voices.
type VoiceUpload struct {
	FileName     string
	File         io.Reader
	Name         string
	Description  string
	Exaggeration float64
	IsDefault    bool
}

// Voice is a stored voice profile.
type Voice struct {
	VoiceID    string  `json:"voice_id"`
	SampleURL  string  `json:"sample_url"`
	Name       string  `json:"name,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	IsDefault  bool    `json:"is_default,omitempty"`
}

type voiceLibraryResponse struct {
	Voices []Voice `json:"voices"`
}

// errorResponse is the FastAPI-style error body. Detail is usually a string
// but validation failures carry a list.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}
