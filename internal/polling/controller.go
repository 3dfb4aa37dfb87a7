// Package polling drives one synthesis job from submission to a terminal
// state by polling the backend status endpoint.
//
// Polls are chained: the next status fetch is scheduled only after the
// previous one has been fully handled, so a slow backend never sees two
// overlapping requests for the same job.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/core"
	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/book-expert/narration-jobs/internal/session"
)

// DefaultInterval is the delay between the end of one poll and the next.
const DefaultInterval = 1500 * time.Millisecond

// Stage messages.
const (
	MessageQueued     = "Queued…"
	MessageGenerating = "Generating audio…"
	MessageFinalizing = "Finalizing audio…"
	MessageDone       = "Done"
	MessageCancelled  = "Cancelled"
)

// Static errors.
var (
	// ErrDeadlineExceeded indicates the job did not finish within Options.Deadline.
	ErrDeadlineExceeded = errors.New("synthesis job did not finish before the deadline")
	// ErrUnknownStatus indicates the backend reported a status outside the contract.
	ErrUnknownStatus = errors.New("unknown job status")
	// ErrMissingAudio indicates a completed job without an audio locator.
	ErrMissingAudio = errors.New("completed job has no audio url")
)

// JobFailedError reports a terminal failure status returned by the backend
// for an otherwise successful round trip.
type JobFailedError struct {
	Message string
}

func (e *JobFailedError) Error() string {
	return "synthesis job failed: " + e.Message
}

// UserMessage returns the text shown to the user.
func (e *JobFailedError) UserMessage() string {
	return e.Message
}

// Options tunes the poll loop.
type Options struct {
	// Interval between polls. Zero means DefaultInterval.
	Interval time.Duration
	// Deadline bounds the whole job. Zero polls until the job ends or is
	// cancelled.
	Deadline time.Duration
}

var _ session.View = (*Controller)(nil)

// Controller owns the synthesis session of one consumer.
type Controller struct {
	client core.SynthesisClient
	beat   core.KeepAlive
	opts   Options
	log    *logger.Logger
	state  *session.State

	mu         sync.Mutex
	submitting bool
	current    *run
}

// run is one poll loop and its heartbeat registration.
type run struct {
	token   session.Token
	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

// New creates a controller with an idle synthesis session.
func New(client core.SynthesisClient, beat core.KeepAlive, opts Options, log *logger.Logger) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	return &Controller{
		client: client,
		beat:   beat,
		opts:   opts,
		log:    log,
		state:  session.New(session.KindSynthesis),
	}
}

// Snapshot returns the current synthesis session.
func (c *Controller) Snapshot() session.Snapshot {
	return c.state.Snapshot()
}

// Observe registers an observer on the session.
func (c *Controller) Observe(observer session.Observer) {
	c.state.Observe(observer)
}

// Submit creates a synthesis job and starts polling it. Submission errors
// are returned before any session exists. The controller stays reserved
// while the backend call is in flight, so a concurrent Submit or Start fails
// with session.ErrInvalidState instead of orphaning a backend job.
func (c *Controller) Submit(ctx context.Context, req jobclient.SynthesisRequest) (string, error) {
	c.mu.Lock()
	if c.submitting || c.state.Snapshot().Active {
		c.mu.Unlock()

		return "", session.ErrInvalidState
	}

	c.submitting = true
	c.mu.Unlock()

	jobID, err := c.client.SubmitSynthesis(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.submitting = false

	if err != nil {
		return "", fmt.Errorf("failed to submit synthesis job: %w", err)
	}

	if jobID == "" {
		return "", jobclient.ErrTaskIDEmpty
	}

	err = c.startLocked(jobID)
	if err != nil {
		return "", err
	}

	return jobID, nil
}

// Start begins polling jobID. It fails with session.ErrInvalidState while a
// synthesis session is active or a Submit is in flight.
func (c *Controller) Start(jobID string) error {
	if jobID == "" {
		return jobclient.ErrTaskIDEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitting {
		return session.ErrInvalidState
	}

	return c.startLocked(jobID)
}

func (c *Controller) startLocked(jobID string) error {
	tok, err := c.state.Begin(jobID, session.StageQueued, 0, MessageQueued)
	if err != nil {
		return err
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if c.opts.Deadline > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.opts.Deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	c.beat.Start()

	var releaseOnce sync.Once

	current := &run{
		token:   tok,
		cancel:  cancel,
		done:    make(chan struct{}),
		release: func() { releaseOnce.Do(c.beat.Stop) },
	}
	c.current = current

	c.log.Info("Polling synthesis job %s every %s", jobID, c.opts.Interval)

	go c.poll(ctx, current, jobID)

	return nil
}

// Cancel abandons the active job. The pending timer and in-flight request
// are cancelled and any late response is discarded. Calling Cancel on an
// inactive session does nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Cancel(MessageCancelled) {
		return
	}

	if c.current != nil {
		c.current.cancel()
		c.current.release()
	}

	c.log.Info("Synthesis job %s cancelled", c.state.Snapshot().JobID)
}

// Done returns a channel closed when the latest poll loop has exited.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		closed := make(chan struct{})
		close(closed)

		return closed
	}

	return c.current.done
}

// Wait blocks until the latest poll loop exits or ctx ends, then returns
// the session.
func (c *Controller) Wait(ctx context.Context) (session.Snapshot, error) {
	select {
	case <-c.Done():
		return c.state.Snapshot(), nil
	case <-ctx.Done():
		return c.state.Snapshot(), fmt.Errorf("waiting for synthesis job: %w", ctx.Err())
	}
}

func (c *Controller) poll(ctx context.Context, current *run, jobID string) {
	defer close(current.done)
	defer current.release()
	defer current.cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.handleContextEnd(ctx, current, jobID)

			return
		case <-timer.C:
		}

		status, err := c.client.TaskStatus(ctx, jobID)
		if ctx.Err() != nil {
			c.handleContextEnd(ctx, current, jobID)

			return
		}

		if err != nil {
			c.fail(current, jobID, fmt.Errorf("failed to fetch status of job %s: %w", jobID, err))

			return
		}

		if !c.handleStatus(current, jobID, status) {
			return
		}

		timer.Reset(c.opts.Interval)
	}
}

// handleStatus applies one status observation. It reports whether polling
// should continue.
func (c *Controller) handleStatus(current *run, jobID string, status *jobclient.TaskStatus) bool {
	applied := true

	switch status.Status {
	case jobclient.StatusQueued:
		applied = c.apply(current, session.StageQueued, MessageQueued, status)
	case jobclient.StatusProcessing:
		applied = c.apply(current, session.StageGenerating, MessageGenerating, status)
	case jobclient.StatusCompleted:
		c.complete(current, jobID, status)
	case jobclient.StatusFailed:
		message := status.Error
		if message == "" {
			message = "unknown error"
		}

		c.fail(current, jobID, &JobFailedError{Message: message})
	default:
		c.fail(current, jobID, fmt.Errorf("%w: %q", ErrUnknownStatus, status.Status))

		return false
	}

	return applied && !status.Status.IsTerminal()
}

func (c *Controller) apply(current *run, stage session.Stage, message string, status *jobclient.TaskStatus) bool {
	return c.state.Apply(current.token, func(snap *session.Snapshot) {
		if stageRank[stage] >= stageRank[snap.Stage] {
			snap.Stage = stage
			snap.Message = message
		}

		snap.Progress = mergeProgress(snap.Progress, status)
	})
}

// stageRank orders synthesis stages so a repeated or late status never moves
// the session backwards.
var stageRank = map[session.Stage]int{
	session.StageQueued:     1,
	session.StageGenerating: 2,
	session.StageFinalizing: 3,
	session.StageDone:       4,
}

func (c *Controller) complete(current *run, jobID string, status *jobclient.TaskStatus) {
	if status.AudioURL == "" {
		c.fail(current, jobID, ErrMissingAudio)

		return
	}

	if !c.apply(current, session.StageFinalizing, MessageFinalizing, status) {
		return
	}

	audioURL := c.client.ResolveURL(status.AudioURL)

	applied := c.state.Apply(current.token, func(snap *session.Snapshot) {
		snap.Stage = session.StageDone
		snap.Progress = 100
		snap.Message = MessageDone
		snap.Result = &session.Result{AudioURL: audioURL}
		snap.Active = false
	})
	if applied {
		c.log.Info("Synthesis job %s completed: %s", jobID, audioURL)
	}
}

func (c *Controller) fail(current *run, jobID string, err error) {
	applied := c.state.Apply(current.token, func(snap *session.Snapshot) {
		snap.Err = err
		snap.Message = jobclient.UserMessage(err)
		snap.Active = false
	})
	if applied {
		c.log.Error("Synthesis job %s failed: %v", jobID, err)
	}
}

// handleContextEnd distinguishes a deadline from a user cancellation. A
// cancellation has already reset the session, so nothing is applied.
func (c *Controller) handleContextEnd(ctx context.Context, current *run, jobID string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.fail(current, jobID, fmt.Errorf("%w (%s)", ErrDeadlineExceeded, c.opts.Deadline))
	}
}

// mergeProgress keeps observed progress non-decreasing and keeps the last
// value when the backend omits it.
func mergeProgress(previous int, status *jobclient.TaskStatus) int {
	reported, ok := status.ProgressPercent()
	if !ok {
		return previous
	}

	return max(previous, reported)
}
