package contracts

import (
	"fmt"
	"time"
)

// SessionState tracks the supervised process's conversational state.
type SessionState string

const (
	SessionIdle          SessionState = "IDLE"
	SessionRunning       SessionState = "RUNNING"
	SessionStreaming     SessionState = "STREAMING"
	SessionAwaitingInput SessionState = "AWAITING_INPUT"
	SessionStopped       SessionState = "STOPPED"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:          {SessionRunning, SessionStopped},
	SessionRunning:       {SessionStreaming, SessionAwaitingInput, SessionIdle, SessionStopped},
	SessionStreaming:     {SessionRunning, SessionAwaitingInput, SessionIdle, SessionStopped},
	SessionAwaitingInput: {SessionRunning, SessionStreaming, SessionIdle, SessionStopped},
}

// ValidateSessionTransition rejects transitions out of STOPPED and any edge
// the session machine does not declare.
func ValidateSessionTransition(from, to SessionState) error {
	if from == SessionStopped {
		return fmt.Errorf("session state STOPPED is terminal; transition to %s is invalid", to)
	}
	for _, next := range sessionTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", from, to)
}

// Session is the supervising loop's view of one wrapped process.
type Session struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
	Tags      []string     `json:"tags,omitempty"`
	Tool      string       `json:"tool,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// HasTag reports whether the session carries the given tag.
func (s *Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
