package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/pkg/contracts"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return NewRegistry().WithClock(func() time.Time { return now })
}

func TestRegister_DuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Register("s1", "claude", []string{"prod"})
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionIdle, s.State)
	assert.True(t, s.HasTag("prod"))

	_, err = r.Register("s1", "claude", nil)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestTransition_FollowsStateMachine(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("s1", "claude", nil)
	require.NoError(t, err)

	require.NoError(t, r.Transition("s1", contracts.SessionRunning))
	require.NoError(t, r.Transition("s1", contracts.SessionAwaitingInput))
	require.NoError(t, r.Transition("s1", contracts.SessionRunning))

	// IDLE cannot jump straight to AWAITING_INPUT.
	_, err = r.Register("s2", "gemini", nil)
	require.NoError(t, err)
	assert.Error(t, r.Transition("s2", contracts.SessionAwaitingInput))
}

func TestTransition_StoppedIsTerminal(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("s1", "claude", nil)
	require.NoError(t, err)
	require.NoError(t, r.Transition("s1", contracts.SessionStopped))

	assert.Error(t, r.Transition("s1", contracts.SessionRunning))
	assert.Error(t, r.Enqueue("s1", "hello"), "stopped sessions accept no messages")
}

func TestEnqueue_BoundedFIFO(t *testing.T) {
	r := newTestRegistry(t).WithMessageCap(2)
	_, err := r.Register("s1", "claude", nil)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue("s1", "first"))
	require.NoError(t, r.Enqueue("s1", "second"))
	assert.ErrorIs(t, r.Enqueue("s1", "third"), ErrQueueFull)

	msgs, err := r.Drain("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, msgs)

	msgs, err = r.Drain("s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGet_UnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("s1", "claude", []string{"prod"})
	require.NoError(t, err)

	s, err := r.Get("s1")
	require.NoError(t, err)
	s.State = contracts.SessionStopped

	again, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionIdle, again.State, "mutating the snapshot must not leak into the registry")
}
