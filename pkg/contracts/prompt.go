// Package contracts defines the shared data contracts of the relay core:
// prompt events, decisions, commit results, sessions, and inbound replies.
// Every other package depends on these types; this package depends on nothing.
package contracts

import (
	"fmt"
	"time"
)

// PromptType classifies what kind of input the supervised process is waiting for.
type PromptType string

const (
	PromptYesNo          PromptType = "YES_NO"
	PromptConfirmEnter   PromptType = "CONFIRM_ENTER"
	PromptMultipleChoice PromptType = "MULTIPLE_CHOICE"
	PromptFreeText       PromptType = "FREE_TEXT"
	PromptUnknown        PromptType = "UNKNOWN"
)

// ConfidenceBand buckets a numeric detection confidence for display and policy.
type ConfidenceBand string

const (
	ConfidenceLow  ConfidenceBand = "LOW"
	ConfidenceMed  ConfidenceBand = "MED"
	ConfidenceHigh ConfidenceBand = "HIGH"
)

// Band maps a numeric confidence to its band.
func Band(confidence float64) ConfidenceBand {
	switch {
	case confidence < 0.65:
		return ConfidenceLow
	case confidence < 0.9:
		return ConfidenceMed
	default:
		return ConfidenceHigh
	}
}

// MaxExcerptLen bounds the excerpt carried on a PromptEvent.
const MaxExcerptLen = 320

// DefaultPromptTTL is the window during which a prompt accepts a decision.
const DefaultPromptTTL = 300 * time.Second

// PromptStatus is the lifecycle state of a prompt.
type PromptStatus string

const (
	StatusCreated       PromptStatus = "CREATED"
	StatusRouted        PromptStatus = "ROUTED"
	StatusAwaitingReply PromptStatus = "AWAITING_REPLY"
	StatusReplyReceived PromptStatus = "REPLY_RECEIVED"
	StatusInjected      PromptStatus = "INJECTED"
	StatusExpired       PromptStatus = "EXPIRED"
	StatusDenied        PromptStatus = "DENIED"
	StatusCanceled      PromptStatus = "CANCELED"
	StatusFailed        PromptStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s PromptStatus) Terminal() bool {
	switch s {
	case StatusInjected, StatusExpired, StatusDenied, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

var promptTransitions = map[PromptStatus][]PromptStatus{
	StatusCreated:       {StatusRouted, StatusAwaitingReply, StatusExpired, StatusDenied, StatusCanceled, StatusFailed, StatusInjected},
	StatusRouted:        {StatusAwaitingReply, StatusInjected, StatusExpired, StatusDenied, StatusCanceled, StatusFailed},
	StatusAwaitingReply: {StatusReplyReceived, StatusInjected, StatusExpired, StatusDenied, StatusCanceled, StatusFailed},
	StatusReplyReceived: {StatusInjected, StatusFailed},
}

// ErrTerminalTransition is returned when code attempts to move a prompt out of
// a terminal state. This indicates a programming error, not a retryable condition.
type ErrTerminalTransition struct {
	From PromptStatus
	To   PromptStatus
}

func (e *ErrTerminalTransition) Error() string {
	return fmt.Sprintf("prompt status %s is terminal; transition to %s is invalid", e.From, e.To)
}

// ValidateTransition checks a prompt status transition against the lifecycle machine.
func ValidateTransition(from, to PromptStatus) error {
	if from.Terminal() {
		return &ErrTerminalTransition{From: from, To: to}
	}
	for _, next := range promptTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid prompt transition %s -> %s", from, to)
}

// PromptEvent is one detected occasion where the supervised process is blocked
// on input. Created by the detector, queued and resolved by the engine.
type PromptEvent struct {
	PromptID    string       `json:"prompt_id"`
	SessionID   string       `json:"session_id"`
	Type        PromptType   `json:"prompt_type"`
	Confidence  float64      `json:"confidence"`
	Excerpt     string       `json:"excerpt"`
	Choices     []string     `json:"choices,omitempty"`
	SafeDefault string       `json:"safe_default"`
	Status      PromptStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Expired reports whether the prompt's decision window has closed at now.
func (p PromptEvent) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
