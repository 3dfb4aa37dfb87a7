package session_test

import (
	"errors"
	"testing"

	"github.com/book-expert/narration-jobs/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginRejectsSecondActiveSession(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindSynthesis)

	_, err := state.Begin("job-1", session.StageQueued, 0, "Queued…")
	require.NoError(t, err)

	_, err = state.Begin("job-2", session.StageQueued, 0, "Queued…")
	require.ErrorIs(t, err, session.ErrInvalidState)
	assert.Equal(t, "job-1", state.Snapshot().JobID)
}

func TestApplyClampsProgressAndKeepsIdentity(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindUpload)

	tok, err := state.Begin("", session.StageUploading, -5, "Uploading…")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Snapshot().Progress)

	applied := state.Apply(tok, func(s *session.Snapshot) {
		s.Progress = 250
		s.Kind = session.KindSynthesis
	})
	require.True(t, applied)

	snap := state.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, session.KindUpload, snap.Kind)
}

func TestApplyErrorClearsResult(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindSynthesis)

	tok, err := state.Begin("job-1", session.StageQueued, 0, "")
	require.NoError(t, err)

	state.Apply(tok, func(s *session.Snapshot) {
		s.Result = &session.Result{AudioURL: "x"}
		s.Err = errors.New("boom")
		s.Active = false
	})

	snap := state.Snapshot()
	assert.Nil(t, snap.Result)
	assert.Error(t, snap.Err)
	assert.False(t, snap.Active)
}

func TestCancelDiscardsStaleTokens(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindSynthesis)

	var notifications int
	state.Observe(func(session.Snapshot) { notifications++ })

	tok, err := state.Begin("job-1", session.StageQueued, 0, "Queued…")
	require.NoError(t, err)
	require.True(t, state.Cancel("Cancelled"))

	before := notifications
	applied := state.Apply(tok, func(s *session.Snapshot) {
		s.Stage = session.StageDone
		s.Result = &session.Result{AudioURL: "late"}
	})

	assert.False(t, applied)
	assert.Equal(t, before, notifications)

	snap := state.Snapshot()
	assert.False(t, snap.Active)
	assert.True(t, snap.Cancelled())
	assert.Nil(t, snap.Result)
	assert.Equal(t, session.StageIdle, snap.Stage)

	assert.False(t, state.Cancel("Cancelled"), "cancel on an inactive session is a no-op")
}

func TestResetIfOnlyResetsMatchingGeneration(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindUpload)

	first, err := state.Begin("", session.StageUploading, 10, "")
	require.NoError(t, err)
	state.Apply(first, func(s *session.Snapshot) {
		s.Stage = session.StageDone
		s.Active = false
	})

	second, err := state.Begin("", session.StageUploading, 10, "")
	require.NoError(t, err)

	assert.False(t, state.ResetIf(first))
	assert.Equal(t, session.StageUploading, state.Snapshot().Stage)

	state.Apply(second, func(s *session.Snapshot) { s.Active = false })
	assert.True(t, state.ResetIf(second))
	assert.Equal(t, session.StageIdle, state.Snapshot().Stage)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	state := session.New(session.KindSynthesis)

	tok, err := state.Begin("job-1", session.StageQueued, 0, "")
	require.NoError(t, err)
	state.Apply(tok, func(s *session.Snapshot) { s.Result = &session.Result{AudioURL: "a"} })

	snap := state.Snapshot()
	snap.Result.AudioURL = "mutated"

	assert.Equal(t, "a", state.Snapshot().Result.AudioURL)
}
