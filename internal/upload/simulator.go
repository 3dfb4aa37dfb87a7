// Package upload drives the voice-sample ingestion flow and synthesizes
// progress feedback for it.
//
// The backend handles an upload as one blocking call with no intermediate
// events. Progress is therefore split into two disjoint ranges: an optimistic
// range advanced by a local tick and capped at Options.Ceiling, and an
// authoritative range (Options.Saving and 100) entered only after the backend
// call has returned.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/core"
	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/book-expert/narration-jobs/internal/session"
	"github.com/dustin/go-humanize"
)

// Reference progress behavior.
const (
	DefaultTick       = 300 * time.Millisecond
	DefaultStep       = 5
	DefaultFloor      = 10
	DefaultCheckpoint = 60
	DefaultCeiling    = 85
	DefaultSaving     = 90
	DefaultResetDelay = 3 * time.Second
)

// Stage messages.
const (
	MessageUploading  = "Uploading voice sample…"
	MessageProcessing = "Processing voice sample…"
	MessageSaving     = "Saving voice…"
	MessageDone       = "Voice sample uploaded successfully"
	MessageCancelled  = "Upload cancelled"
)

// Static errors.
var (
	ErrFileRequired      = errors.New("select a voice sample file")
	ErrNameRequired      = errors.New("voice name is required")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrInvalidOptions    = errors.New("invalid upload progress options")
)

// allowedExtensions are the sample formats the backend accepts.
var allowedExtensions = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".flac": {},
}

// Options tunes the simulated progress.
type Options struct {
	Tick       time.Duration
	Step       int
	Floor      int
	Checkpoint int
	Ceiling    int
	Saving     int
	ResetDelay time.Duration
}

// DefaultOptions returns the reference behavior.
func DefaultOptions() Options {
	return Options{
		Tick:       DefaultTick,
		Step:       DefaultStep,
		Floor:      DefaultFloor,
		Checkpoint: DefaultCheckpoint,
		Ceiling:    DefaultCeiling,
		Saving:     DefaultSaving,
		ResetDelay: DefaultResetDelay,
	}
}

// Validate checks that the optimistic range stays below the authoritative one.
func (o Options) Validate() error {
	switch {
	case o.Tick <= 0 || o.Step <= 0:
		return fmt.Errorf("%w: tick and step must be positive", ErrInvalidOptions)
	case o.Floor < 0 || o.Floor > o.Checkpoint || o.Checkpoint > o.Ceiling:
		return fmt.Errorf("%w: need 0 <= floor <= checkpoint <= ceiling", ErrInvalidOptions)
	case o.Ceiling >= o.Saving || o.Saving > 100:
		return fmt.Errorf("%w: need ceiling < saving <= 100", ErrInvalidOptions)
	case o.ResetDelay < 0:
		return fmt.Errorf("%w: reset delay must not be negative", ErrInvalidOptions)
	}

	return nil
}

// Form is the consumer's current selection. It survives a failed attempt so
// the user can retry with the same file.
type Form struct {
	FilePath     string
	Name         string
	Description  string
	Exaggeration float64
	IsDefault    bool
}

func (f Form) validate() error {
	if f.FilePath == "" {
		return ErrFileRequired
	}

	if strings.TrimSpace(f.Name) == "" {
		return ErrNameRequired
	}

	ext := strings.ToLower(filepath.Ext(f.FilePath))
	if _, ok := allowedExtensions[ext]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return nil
}

var _ session.View = (*Simulator)(nil)

// Simulator owns the upload session of one consumer.
type Simulator struct {
	client core.VoiceUploader
	opts   Options
	log    *logger.Logger
	state  *session.State

	mu      sync.Mutex
	form    Form
	attempt *attempt
	reset   *time.Timer
}

// attempt is one in-flight upload.
type attempt struct {
	cancel   context.CancelFunc
	stopTick func()
}

// New creates a simulator with an idle upload session.
func New(client core.VoiceUploader, opts Options, log *logger.Logger) (*Simulator, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	return &Simulator{
		client: client,
		opts:   opts,
		log:    log,
		state:  session.New(session.KindUpload),
	}, nil
}

// Select replaces the form contents.
func (s *Simulator) Select(form Form) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.form = form
}

// Form returns the current form contents.
func (s *Simulator) Form() Form {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.form
}

// Snapshot returns the current upload session.
func (s *Simulator) Snapshot() session.Snapshot {
	return s.state.Snapshot()
}

// Observe registers an observer on the session.
func (s *Simulator) Observe(observer session.Observer) {
	s.state.Observe(observer)
}

// Submit uploads the selected file and blocks until the backend answers.
// Form errors are returned before a session is created.
func (s *Simulator) Submit(ctx context.Context) (*jobclient.Voice, error) {
	form := s.Form()

	err := form.validate()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(form.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice sample: %w", err)
	}

	tok, callCtx, current, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer current.cancel()

	s.log.Info("Uploading voice sample %s (%s)", filepath.Base(form.FilePath), humanize.Bytes(uint64(info.Size())))

	voice, err := s.transfer(callCtx, tok, form)

	current.stopTick()
	s.clearAttempt(current)

	if err != nil {
		return nil, s.failed(tok, err)
	}

	return s.succeeded(tok, voice)
}

// Cancel abandons the in-flight upload. Its result is discarded. Calling
// Cancel on an inactive session does nothing.
func (s *Simulator) Cancel() {
	s.mu.Lock()
	current := s.attempt
	s.mu.Unlock()

	if !s.state.Cancel(MessageCancelled) {
		return
	}

	if current != nil {
		current.cancel()
		current.stopTick()
	}
}

// Close tears the consumer down: the tick and the pending reset are stopped
// and the session returns to idle.
func (s *Simulator) Close() {
	s.mu.Lock()
	current := s.attempt
	s.attempt = nil

	if s.reset != nil {
		s.reset.Stop()
		s.reset = nil
	}
	s.mu.Unlock()

	if current != nil {
		current.cancel()
		current.stopTick()
	}

	s.state.Reset()
}

func (s *Simulator) begin(ctx context.Context) (session.Token, context.Context, *attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.state.Begin("", session.StageUploading, s.opts.Floor, MessageUploading)
	if err != nil {
		return 0, nil, nil, err
	}

	if s.reset != nil {
		s.reset.Stop()
		s.reset = nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	current := &attempt{
		cancel:   cancel,
		stopTick: s.startTick(tok),
	}
	s.attempt = current

	return tok, callCtx, current, nil
}

// transfer reads the sample, announces the processing phase and performs
// the single backend call.
func (s *Simulator) transfer(ctx context.Context, tok session.Token, form Form) (*jobclient.Voice, error) {
	file, err := os.Open(form.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open voice sample: %w", err)
	}
	defer file.Close()

	s.state.Apply(tok, func(snap *session.Snapshot) {
		snap.Stage = session.StageProcessing
		snap.Message = MessageProcessing
		snap.Progress = max(snap.Progress, s.opts.Checkpoint)
	})

	voice, err := s.client.UploadVoice(ctx, jobclient.VoiceUpload{
		FileName:     filepath.Base(form.FilePath),
		File:         file,
		Name:         form.Name,
		Description:  form.Description,
		Exaggeration: form.Exaggeration,
		IsDefault:    form.IsDefault,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload voice sample: %w", err)
	}

	return voice, nil
}

func (s *Simulator) failed(tok session.Token, err error) error {
	applied := s.state.Apply(tok, func(snap *session.Snapshot) {
		snap.Stage = session.StageIdle
		snap.Progress = 0
		snap.Err = err
		snap.Message = jobclient.UserMessage(err)
		snap.Active = false
	})
	if !applied {
		return session.ErrCancelled
	}

	s.log.Error("Voice upload failed: %v", err)

	return err
}

func (s *Simulator) succeeded(tok session.Token, voice *jobclient.Voice) (*jobclient.Voice, error) {
	applied := s.state.Apply(tok, func(snap *session.Snapshot) {
		snap.Stage = session.StageSaving
		snap.Message = MessageSaving
		snap.Progress = s.opts.Saving
		snap.Result = &session.Result{VoiceID: voice.VoiceID, SampleURL: voice.SampleURL}
	})
	if !applied {
		return nil, session.ErrCancelled
	}

	s.state.Apply(tok, func(snap *session.Snapshot) {
		snap.Stage = session.StageDone
		snap.Message = MessageDone
		snap.Progress = 100
		snap.Active = false
	})

	s.log.Info("Voice sample stored as %s", voice.VoiceID)
	s.scheduleReset(tok)

	return voice, nil
}

// scheduleReset returns the form and session to idle after the success
// message has been on screen for ResetDelay.
func (s *Simulator) scheduleReset(tok session.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset = time.AfterFunc(s.opts.ResetDelay, func() {
		if !s.state.ResetIf(tok) {
			return
		}

		s.mu.Lock()
		s.form = Form{}
		s.mu.Unlock()
	})
}

func (s *Simulator) clearAttempt(current *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt == current {
		s.attempt = nil
	}
}

// startTick advances progress by Step every Tick, never past Ceiling. The
// returned stop function is idempotent and waits for the tick goroutine to
// exit, so no tick can land after it returns.
func (s *Simulator) startTick(tok session.Token) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.state.Snapshot().Progress >= s.opts.Ceiling {
					continue
				}

				applied := s.state.Apply(tok, func(snap *session.Snapshot) {
					if snap.Progress < s.opts.Ceiling {
						snap.Progress = min(snap.Progress+s.opts.Step, s.opts.Ceiling)
					}
				})
				if !applied {
					return
				}
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() { close(stop) })
		<-exited
	}
}
