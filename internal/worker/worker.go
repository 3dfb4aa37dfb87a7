// Package worker provides a NATS worker that turns narration requests into
// synthesis jobs on the backend.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/core"
	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/book-expert/narration-jobs/internal/objectstore"
	"github.com/book-expert/narration-jobs/internal/polling"
	"github.com/book-expert/narration-jobs/internal/session"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

const (
	submitTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds the jobs one worker polls at a time.
	DefaultMaxConcurrent = 4
)

var (
	// ErrSubjectEmpty indicates that the request subject is empty.
	ErrSubjectEmpty = errors.New("request subject cannot be empty")
	// ErrProgressSubjectEmpty indicates that the progress subject is empty.
	ErrProgressSubjectEmpty = errors.New("progress subject cannot be empty")
	// ErrShuttingDown is replied to requests that arrive during shutdown.
	ErrShuttingDown = errors.New("worker is shutting down")
	// ErrJobCancelled is replied when a job is abandoned before it finishes.
	ErrJobCancelled = errors.New("narration job cancelled")
)

// NarrationRequest asks for one piece of text to be narrated.
type NarrationRequest struct {
	Header       events.EventHeader `json:"header"`
	VoiceID      string             `json:"voice_id"`
	Text         string             `json:"text"`
	Temperature  *float64           `json:"temperature,omitempty"`
	CFGWeight    *float64           `json:"cfg_weight,omitempty"`
	Exaggeration float64            `json:"exaggeration,omitempty"`
}

// NarrationResult is the reply to a NarrationRequest. Error is set instead of
// the audio fields when the job did not complete.
type NarrationResult struct {
	Header    events.EventHeader `json:"header"`
	JobID     string             `json:"job_id,omitempty"`
	AudioURL  string             `json:"audio_url,omitempty"`
	AudioKey  string             `json:"audio_key,omitempty"`
	AudioSize uint64             `json:"audio_size,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ProgressEvent is published on every change of a job's session.
type ProgressEvent struct {
	Header   events.EventHeader `json:"header"`
	Kind     session.Kind       `json:"kind"`
	JobID    string             `json:"job_id"`
	Stage    session.Stage      `json:"stage"`
	Progress int                `json:"progress"`
	Message  string             `json:"message"`
	Active   bool               `json:"active"`
	Error    string             `json:"error,omitempty"`
}

// Archiver stores finished audio.
type Archiver interface {
	Archive(ctx context.Context, narration objectstore.Narration, audio []byte) (*objectstore.AudioInfo, error)
}

// Config names the NATS surface and tunes the per-job poll loop.
type Config struct {
	RequestSubject  string
	ProgressSubject string
	QueueGroup      string
	MaxConcurrent   int
	Polling         polling.Options
}

// NatsWorker listens for narration requests and drives one polling
// controller per request.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	backend        core.NarrationBackend
	beat           core.KeepAlive
	archive        Archiver
	log            *logger.Logger
	slots          *semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	jobsCtx  context.Context
	inFlight sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	backend core.NarrationBackend,
	beat core.KeepAlive,
	archive Archiver,
	log *logger.Logger,
) (*NatsWorker, error) {
	if cfg.RequestSubject == "" {
		return nil, ErrSubjectEmpty
	}

	if cfg.ProgressSubject == "" {
		return nil, ErrProgressSubjectEmpty
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		backend:        backend,
		beat:           beat,
		archive:        archive,
		log:            log,
		slots:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobsCtx:        context.Background(),
	}, nil
}

// Run starts the worker and blocks until ctx ends. Jobs still running at
// shutdown are cancelled and answered before Run returns.
func (w *NatsWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.jobsCtx = ctx
	w.mu.Unlock()

	var (
		sub *nats.Subscription
		err error
	)

	if w.cfg.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.cfg.RequestSubject, w.cfg.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.cfg.RequestSubject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.RequestSubject, err)
	}

	w.log.Info("Listening for narration requests on %s", w.cfg.RequestSubject)

	<-ctx.Done()

	drainErr := sub.Drain()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.inFlight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	req, err := parseRequest(msg)
	if err != nil {
		w.log.Error("Failed to parse narration request: %v", err)
		w.reply(msg, &NarrationResult{Header: newHeader(events.EventHeader{}), Error: err.Error()})

		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.reply(msg, &NarrationResult{Header: newHeader(req.Header), Error: ErrShuttingDown.Error()})

		return
	}

	ctx := w.jobsCtx
	w.inFlight.Add(1)
	w.mu.Unlock()

	// Subscription callbacks are serialized, so each job runs on its own goroutine.
	go func() {
		defer w.inFlight.Done()

		err := w.slots.Acquire(ctx, 1)
		if err != nil {
			w.reply(msg, &NarrationResult{Header: newHeader(req.Header), Error: ErrShuttingDown.Error()})

			return
		}
		defer w.slots.Release(1)

		result := w.narrate(ctx, req)
		w.reply(msg, result)
	}()
}

// narrate runs one synthesis job to a terminal state and archives its audio.
func (w *NatsWorker) narrate(ctx context.Context, req *NarrationRequest) *NarrationResult {
	result := &NarrationResult{Header: newHeader(req.Header)}

	controller := polling.New(w.backend, w.beat, w.cfg.Polling, w.log)
	controller.Observe(func(snap session.Snapshot) {
		w.publishProgress(req.Header, snap)
	})

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	jobID, err := controller.Submit(submitCtx, jobclient.SynthesisRequest{
		VoiceID:      req.VoiceID,
		Text:         req.Text,
		Temperature:  req.Temperature,
		CFGWeight:    req.CFGWeight,
		Exaggeration: req.Exaggeration,
	})

	cancel()

	if err != nil {
		w.log.Error("Failed to submit narration for workflow %s: %v", req.Header.WorkflowID, err)
		result.Error = jobclient.UserMessage(err)

		return result
	}

	result.JobID = jobID

	snap, err := controller.Wait(ctx)
	if err != nil {
		controller.Cancel()
		<-controller.Done()

		result.Error = ErrJobCancelled.Error()

		return result
	}

	if snap.Err != nil {
		result.Error = jobclient.UserMessage(snap.Err)

		return result
	}

	if snap.Result == nil {
		result.Error = ErrJobCancelled.Error()

		return result
	}

	result.AudioURL = snap.Result.AudioURL

	info, err := w.store(ctx, req, jobID, snap.Result.AudioURL)
	if err != nil {
		w.log.Error("Failed to archive narration %s: %v", jobID, err)
		result.Error = err.Error()

		return result
	}

	result.AudioKey = info.Key
	result.AudioSize = info.Size

	return result
}

func (w *NatsWorker) store(
	ctx context.Context,
	req *NarrationRequest,
	jobID, audioURL string,
) (*objectstore.AudioInfo, error) {
	audio, err := w.backend.Download(ctx, audioURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio for job %s: %w", jobID, err)
	}

	info, err := w.archive.Archive(ctx, objectstore.Narration{
		JobID:      jobID,
		WorkflowID: req.Header.WorkflowID,
		VoiceID:    req.VoiceID,
	}, audio)
	if err != nil {
		return nil, fmt.Errorf("failed to archive audio for job %s: %w", jobID, err)
	}

	w.log.Info("Archived narration %s as %s (%s)", jobID, info.Key, humanize.Bytes(info.Size))

	return info, nil
}

// publishProgress runs inside the session observer, so it must not block.
func (w *NatsWorker) publishProgress(header events.EventHeader, snap session.Snapshot) {
	event := ProgressEvent{
		Header:   newHeader(header),
		Kind:     snap.Kind,
		JobID:    snap.JobID,
		Stage:    snap.Stage,
		Progress: snap.Progress,
		Message:  snap.Message,
		Active:   snap.Active,
	}

	if snap.Err != nil {
		event.Error = jobclient.UserMessage(snap.Err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error("Failed to marshal progress event: %v", err)

		return
	}

	err = w.natsConnection.Publish(w.cfg.ProgressSubject, data)
	if err != nil {
		w.log.Warn("Failed to publish progress for job %s: %v", snap.JobID, err)
	}
}

// reply marshals and responds with the NarrationResult.
func (w *NatsWorker) reply(msg *nats.Msg, result *NarrationResult) {
	if msg.Reply == "" {
		w.log.Warn("Narration request for workflow %s has no reply subject", result.Header.WorkflowID)

		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		w.log.Error("Failed to marshal narration result: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to reply for workflow %s: %v", result.Header.WorkflowID, err)
	}
}

func parseRequest(msg *nats.Msg) (*NarrationRequest, error) {
	var req NarrationRequest

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal narration request: %w", err)
	}

	if req.Header.WorkflowID == "" {
		req.Header.WorkflowID = uuid.NewString()
	}

	return &req, nil
}

// newHeader derives an outgoing header from the request header.
func newHeader(from events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: from.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     from.UserID,
		TenantID:   from.TenantID,
	}
}
