// Package session tracks the wrapped agent processes the relay supervises.
// The registry owns session state transitions and a small per-session queue
// of messages waiting for the agent to accept input.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relay/pkg/contracts"
)

// DefaultMessageCap bounds the per-session pending message queue.
const DefaultMessageCap = 64

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already registered")
	ErrQueueFull       = errors.New("session message queue is full")
)

type entry struct {
	session  contracts.Session
	messages []string
}

// Registry is the in-memory session table. One per engine.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*entry
	messageCap int
	clock      func() time.Time
	logger     *slog.Logger
}

// NewRegistry returns an empty registry with the default message cap.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*entry),
		messageCap: DefaultMessageCap,
		clock:      time.Now,
		logger:     slog.Default().With("component", "session"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithMessageCap overrides the per-session queue bound.
func (r *Registry) WithMessageCap(n int) *Registry {
	if n > 0 {
		r.messageCap = n
	}
	return r
}

// Register adds a new session in IDLE state.
func (r *Registry) Register(sessionID, tool string, tags []string) (*contracts.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	now := r.clock().UTC()
	e := &entry{session: contracts.Session{
		SessionID: sessionID,
		State:     contracts.SessionIdle,
		Tags:      append([]string(nil), tags...),
		Tool:      tool,
		StartedAt: now,
		UpdatedAt: now,
	}}
	r.sessions[sessionID] = e
	r.logger.Info("session registered", "session_id", sessionID, "tool", tool)
	snapshot := e.session
	return &snapshot, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (*contracts.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	snapshot := e.session
	return &snapshot, nil
}

// Transition moves a session to a new state, enforcing the state machine.
// Transitions out of STOPPED are rejected.
func (r *Registry) Transition(sessionID string, to contracts.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := contracts.ValidateSessionTransition(e.session.State, to); err != nil {
		return err
	}
	r.logger.Debug("session transition",
		"session_id", sessionID, "from", e.session.State, "to", to)
	e.session.State = to
	e.session.UpdatedAt = r.clock().UTC()
	if to == contracts.SessionStopped {
		e.messages = nil
	}
	return nil
}

// Enqueue buffers a message for delivery once the session accepts input.
// The queue is bounded; overflow is the caller's problem to surface.
func (r *Registry) Enqueue(sessionID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.session.State == contracts.SessionStopped {
		return fmt.Errorf("session %s is STOPPED", sessionID)
	}
	if len(e.messages) >= r.messageCap {
		return fmt.Errorf("%w: %s (cap %d)", ErrQueueFull, sessionID, r.messageCap)
	}
	e.messages = append(e.messages, message)
	return nil
}

// Drain returns and clears the pending messages in FIFO order.
func (r *Registry) Drain(sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msgs := e.messages
	e.messages = nil
	return msgs, nil
}

// List snapshots all sessions.
func (r *Registry) List() []contracts.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	return out
}
