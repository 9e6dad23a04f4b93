// Package gate implements the channel gate: a pure, ordered accept/reject
// check list run on every inbound human reply before it reaches the commit
// guard. The gate has no side effects and touches no storage; the engine
// assembles the context and acts on the verdict.
package gate

import (
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/relay/pkg/contracts"
)

// RejectReason is a machine-readable rejection code. The user-facing message
// is separate and deliberately carries no internal identifiers.
type RejectReason string

const (
	ReasonIdentityDenied  RejectReason = "identity_denied"
	ReasonUnknownSession  RejectReason = "unknown_session"
	ReasonSessionState    RejectReason = "session_state"
	ReasonUnknownPrompt   RejectReason = "unknown_prompt"
	ReasonSessionMismatch RejectReason = "session_mismatch"
	ReasonPromptClosed    RejectReason = "prompt_closed"
	ReasonPromptExpired   RejectReason = "prompt_expired"
	ReasonInvalidChoice   RejectReason = "invalid_choice"
	ReasonFreeTextDenied  RejectReason = "free_text_denied"
	ReasonValueTooLong    RejectReason = "value_too_long"
)

// Verdict is the gate's output for one reply.
type Verdict struct {
	Accepted bool
	Reason   RejectReason
	// Message is safe to echo back over the channel.
	Message string
}

func accept() Verdict { return Verdict{Accepted: true} }

func reject(reason RejectReason, message string) Verdict {
	return Verdict{Reason: reason, Message: message}
}

// ReplyContext is everything the gate needs to judge one reply. Session and
// Prompt are nil when the engine could not resolve them.
type ReplyContext struct {
	Reply   contracts.InboundReply
	Session *contracts.Session
	Prompt  *contracts.PromptEvent
	Now     time.Time
}

// Config tunes the gate. The zero value denies free text and allows nobody;
// deployments must opt in explicitly.
type Config struct {
	// AllowedIdentities is the channel identity allowlist. Empty means
	// nobody may reply.
	AllowedIdentities []string
	// AllowFreeText permits replies to FREE_TEXT and UNKNOWN prompts.
	AllowFreeText bool
	// MaxValueLen bounds the reply value; 0 means the default of 1024.
	MaxValueLen int
}

// Gate evaluates inbound replies against a fixed, ordered check list.
type Gate struct {
	allowed     map[string]struct{}
	freeText    bool
	maxValueLen int
}

// New builds a gate from config.
func New(cfg Config) *Gate {
	allowed := make(map[string]struct{}, len(cfg.AllowedIdentities))
	for _, id := range cfg.AllowedIdentities {
		allowed[id] = struct{}{}
	}
	maxLen := cfg.MaxValueLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Gate{allowed: allowed, freeText: cfg.AllowFreeText, maxValueLen: maxLen}
}

// Evaluate runs the check list in order and stops at the first failure.
// Order matters: identity first so an outsider learns nothing about which
// sessions or prompts exist.
func (g *Gate) Evaluate(rc ReplyContext) Verdict {
	if _, ok := g.allowed[rc.Reply.Identity]; !ok {
		return reject(ReasonIdentityDenied, "You are not authorized to reply here.")
	}
	if rc.Session == nil {
		return reject(ReasonUnknownSession, "That session is not active.")
	}
	if rc.Session.State == contracts.SessionStopped {
		return reject(ReasonSessionState, "That session has ended.")
	}
	if rc.Prompt == nil {
		return reject(ReasonUnknownPrompt, "That prompt is no longer available.")
	}
	if rc.Prompt.SessionID != rc.Reply.SessionID || rc.Prompt.SessionID != rc.Session.SessionID {
		return reject(ReasonSessionMismatch, "That prompt does not belong to this session.")
	}
	if rc.Prompt.Status.Terminal() {
		return reject(ReasonPromptClosed, "That prompt was already answered.")
	}
	if rc.Prompt.Expired(rc.Now) {
		return reject(ReasonPromptExpired, "That prompt has expired.")
	}
	if len(rc.Reply.Value) > g.maxValueLen {
		return reject(ReasonValueTooLong, "That reply is too long.")
	}
	if v := g.checkValue(rc.Prompt, rc.Reply.Value); !v.Accepted {
		return v
	}
	return accept()
}

// checkValue validates the reply value against the prompt's input type.
func (g *Gate) checkValue(p *contracts.PromptEvent, value string) Verdict {
	switch p.Type {
	case contracts.PromptYesNo:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "y", "yes", "n", "no":
			return accept()
		}
		return reject(ReasonInvalidChoice, "Please answer yes or no.")
	case contracts.PromptConfirmEnter:
		if strings.TrimSpace(value) == "" {
			return accept()
		}
		return reject(ReasonInvalidChoice, "Just confirm to continue.")
	case contracts.PromptMultipleChoice:
		return g.checkChoice(p, value)
	case contracts.PromptFreeText, contracts.PromptUnknown:
		if g.freeText {
			return accept()
		}
		return reject(ReasonFreeTextDenied, "Free-text replies are disabled.")
	}
	return reject(ReasonInvalidChoice, "That reply cannot be accepted.")
}

// checkChoice accepts either the 1-based index or the exact choice text.
func (g *Gate) checkChoice(p *contracts.PromptEvent, value string) Verdict {
	trimmed := strings.TrimSpace(value)
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n >= 1 && n <= len(p.Choices) {
			return accept()
		}
		return reject(ReasonInvalidChoice, "That option is not on the list.")
	}
	for _, c := range p.Choices {
		if strings.EqualFold(strings.TrimSpace(c), trimmed) {
			return accept()
		}
	}
	return reject(ReasonInvalidChoice, "That option is not on the list.")
}
