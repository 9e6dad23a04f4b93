package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/pkg/contracts"
)

// fakeFront mimics the Redis guard's register/commit semantics in memory,
// including key expiry (a dropped registration).
type fakeFront struct {
	mu        sync.Mutex
	tokens    map[string]string
	sessions  map[string]string
	open      map[string]bool
	decisions map[string]*contracts.Decision
	registers int
}

func newFakeFront() *fakeFront {
	return &fakeFront{
		tokens:    map[string]string{},
		sessions:  map[string]string{},
		open:      map[string]bool{},
		decisions: map[string]*contracts.Decision{},
	}
}

func (f *fakeFront) Register(_ context.Context, ev contracts.PromptEvent, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	f.tokens[ev.PromptID] = token
	f.sessions[ev.PromptID] = ev.SessionID
	f.open[ev.PromptID] = true
	return nil
}

func (f *fakeFront) Commit(_ context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[promptID]; !ok {
		// Key expired: applied=false, no final decision.
		return contracts.CommitResult{}, nil
	}
	if f.open[promptID] && f.tokens[promptID] == token && f.sessions[promptID] == sessionID {
		f.open[promptID] = false
		dc := d
		f.decisions[promptID] = &dc
		return contracts.CommitResult{Applied: true, Final: &dc}, nil
	}
	return contracts.CommitResult{Final: f.decisions[promptID]}, nil
}

func (f *fakeFront) expire(promptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, promptID)
	delete(f.sessions, promptID)
	delete(f.open, promptID)
	delete(f.decisions, promptID)
}

func openFrontedStore(t *testing.T) (*FrontedStore, *fakeFront, *time.Time) {
	t.Helper()
	backend, now := openTestStore(t)
	front := newFakeFront()
	return NewFronted(backend, front), front, now
}

func TestFronted_CreateRegistersInFront(t *testing.T) {
	s, front, now := openFrontedStore(t)

	token, err := s.CreatePrompt(context.Background(), testEvent("p1", "s1", *now, time.Minute))
	require.NoError(t, err)
	require.Len(t, token, 32)
	assert.Equal(t, 1, front.registers)
	assert.Equal(t, token, front.tokens["p1"])
}

func TestFronted_WinnerWritesThrough(t *testing.T) {
	s, _, now := openFrontedStore(t)
	ctx := context.Background()

	token, err := s.CreatePrompt(ctx, testEvent("p1", "s1", *now, time.Minute))
	require.NoError(t, err)

	res, err := s.Commit(ctx, "p1", "s1", token, testDecision("p1", "s1"))
	require.NoError(t, err)
	require.True(t, res.Applied)

	// The win is durable in the backend, not just in the front.
	final, err := s.Backend.GetDecision(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, contracts.ActionAutoReply, final.Action)
}

func TestFronted_LoserNeverTouchesBackend(t *testing.T) {
	s, _, now := openFrontedStore(t)
	ctx := context.Background()

	token, err := s.CreatePrompt(ctx, testEvent("p1", "s1", *now, time.Minute))
	require.NoError(t, err)

	first, err := s.Commit(ctx, "p1", "s1", token, testDecision("p1", "s1"))
	require.NoError(t, err)
	require.True(t, first.Applied)

	loser := testDecision("p1", "s1")
	loser.Value = "other"
	second, err := s.Commit(ctx, "p1", "s1", token, loser)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	require.NotNil(t, second.Final)
	assert.Equal(t, "y", second.Final.Value, "loser sees the winning decision")

	final, err := s.Backend.GetDecision(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "y", final.Value, "backend still holds the first commit")
}

func TestFronted_ExpiredFrontKeyFallsBackToBackend(t *testing.T) {
	s, front, now := openFrontedStore(t)
	ctx := context.Background()

	token, err := s.CreatePrompt(ctx, testEvent("p1", "s1", *now, time.Minute))
	require.NoError(t, err)

	res, err := s.Commit(ctx, "p1", "s1", token, testDecision("p1", "s1"))
	require.NoError(t, err)
	require.True(t, res.Applied)

	front.expire("p1")
	late, err := s.Commit(ctx, "p1", "s1", token, testDecision("p1", "s1"))
	require.NoError(t, err)
	assert.False(t, late.Applied)
	require.NotNil(t, late.Final, "final decision recovered from the backend")
	assert.Equal(t, "y", late.Final.Value)
}

func TestFronted_CommitExpiryBypassesFront(t *testing.T) {
	s, front, now := openFrontedStore(t)
	ctx := context.Background()

	ev := testEvent("p1", "s1", *now, time.Minute)
	token, err := s.CreatePrompt(ctx, ev)
	require.NoError(t, err)
	front.expire("p1")
	*now = now.Add(2 * time.Minute)

	d := testDecision("p1", "s1")
	d.Source = contracts.SourceTimeoutDefault
	res, err := s.CommitExpiry(ctx, "p1", token, d)
	require.NoError(t, err)
	assert.True(t, res.Applied, "expiry closes through the backend alone")
}
