// Package session holds the observable view model of one long-running job.
//
// A State is owned by exactly one driver. The driver opens a session with
// Begin, which hands back a generation Token, and mutates it with Apply.
// Cancel and Reset advance the generation so that continuations of calls
// started earlier are discarded when they try to Apply.
package session

import (
	"errors"
	"sync"
	"time"
)

// Static errors.
var (
	// ErrInvalidState indicates a second session was started while one of the
	// same kind is still active.
	ErrInvalidState = errors.New("a session of this kind is already active")
	// ErrCancelled indicates the session was cancelled before its result
	// could be applied.
	ErrCancelled = errors.New("session cancelled")
)

// Kind selects the driver and the result payload of a session.
type Kind string

const (
	KindSynthesis Kind = "synthesis"
	KindUpload    Kind = "upload"
)

// Stage is the local, presentation-oriented phase of a session.
type Stage string

const (
	StageIdle Stage = "idle"

	StageQueued     Stage = "queued"
	StageGenerating Stage = "generating"
	StageFinalizing Stage = "finalizing"

	StageUploading  Stage = "uploading"
	StageProcessing Stage = "processing"
	StageSaving     Stage = "saving"

	StageDone Stage = "done"
)

// Result is the terminal payload of a successful session.
type Result struct {
	AudioURL  string
	VoiceID   string
	SampleURL string
}

// Snapshot is a copy of the session at one point in time.
type Snapshot struct {
	Kind        Kind
	JobID       string
	Stage       Stage
	Progress    int
	Message     string
	Result      *Result
	Err         error
	Active      bool
	CancelledAt time.Time
}

// Cancelled reports whether the session ended through cancellation.
func (s Snapshot) Cancelled() bool {
	return !s.CancelledAt.IsZero()
}

// View is the surface exposed to the presentation layer.
type View interface {
	Snapshot() Snapshot
	Cancel()
}

// Observer is notified with a copy of the session after every change.
// Observers run synchronously on the mutating goroutine and must not call
// back into the driver.
type Observer func(Snapshot)

// Token identifies one generation of a session.
type Token uint64

// State is the mutable session of one kind.
type State struct {
	// notifyMu serializes mutation and notification so observers see changes
	// in the order they were applied.
	notifyMu sync.Mutex

	mu         sync.RWMutex
	snap       Snapshot
	generation Token
	observers  []Observer
	now        func() time.Time
}

// New creates an idle session of the given kind.
func New(kind Kind) *State {
	return &State{
		snap: Snapshot{Kind: kind, Stage: StageIdle},
		now:  time.Now,
	}
}

// Observe registers an observer for all later changes.
func (s *State) Observe(observer Observer) {
	if observer == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, observer)
}

// Snapshot returns a copy of the current session.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyLocked()
}

// Begin opens a new active session. It fails with ErrInvalidState when a
// session is already active.
func (s *State) Begin(jobID string, stage Stage, progress int, message string) (Token, error) {
	var tok Token

	err := s.mutate(func() error {
		if s.snap.Active {
			return ErrInvalidState
		}

		s.generation++
		tok = s.generation
		s.snap = Snapshot{
			Kind:     s.snap.Kind,
			JobID:    jobID,
			Stage:    stage,
			Progress: clampProgress(progress),
			Message:  message,
			Active:   true,
		}

		return nil
	})

	return tok, err
}

// Apply runs fn against the session if tok is still the current generation
// and the session is active. It reports whether the change was applied.
// Progress is clamped to [0, 100] and an error clears any result.
func (s *State) Apply(tok Token, fn func(*Snapshot)) bool {
	err := s.mutate(func() error {
		if tok != s.generation || !s.snap.Active {
			return ErrCancelled
		}

		kind, jobID := s.snap.Kind, s.snap.JobID
		fn(&s.snap)
		s.snap.Kind, s.snap.JobID = kind, jobID
		s.snap.Progress = clampProgress(s.snap.Progress)

		if s.snap.Err != nil {
			s.snap.Result = nil
		}

		return nil
	})

	return err == nil
}

// Cancel ends the active session, resets it to idle and records the
// cancellation time. It reports whether a session was active.
func (s *State) Cancel(message string) bool {
	err := s.mutate(func() error {
		if !s.snap.Active {
			return ErrInvalidState
		}

		s.generation++
		s.snap = Snapshot{
			Kind:        s.snap.Kind,
			JobID:       s.snap.JobID,
			Stage:       StageIdle,
			Message:     message,
			CancelledAt: s.now(),
		}

		return nil
	})

	return err == nil
}

// Reset returns the session to idle and invalidates every outstanding token.
func (s *State) Reset() {
	_ = s.mutate(func() error {
		s.generation++
		s.snap = Snapshot{Kind: s.snap.Kind, Stage: StageIdle}

		return nil
	})
}

// ResetIf returns the session to idle only if tok is still current. It is
// used by delayed teardowns that must not clobber a newer session.
func (s *State) ResetIf(tok Token) bool {
	err := s.mutate(func() error {
		if tok != s.generation || s.snap.Active {
			return ErrInvalidState
		}

		s.generation++
		s.snap = Snapshot{Kind: s.snap.Kind, Stage: StageIdle}

		return nil
	})

	return err == nil
}

// mutate applies change under the lock and notifies observers when it
// succeeds.
func (s *State) mutate(change func() error) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()

	err := change()
	if err != nil {
		s.mu.Unlock()

		return err
	}

	snap := s.copyLocked()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(snap)
	}

	return nil
}

func (s *State) copyLocked() Snapshot {
	snap := s.snap
	if snap.Result != nil {
		result := *snap.Result
		snap.Result = &result
	}

	return snap
}

func clampProgress(progress int) int {
	return min(max(progress, 0), 100)
}
