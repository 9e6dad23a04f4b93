package contracts

// Action is what the relay does with a prompt once policy has spoken.
type Action string

const (
	ActionAutoReply    Action = "AUTO_REPLY"
	ActionRequireHuman Action = "REQUIRE_HUMAN"
	ActionDeny         Action = "DENY"
	ActionNotifyOnly   Action = "NOTIFY_ONLY"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAutoReply, ActionRequireHuman, ActionDeny, ActionNotifyOnly:
		return true
	}
	return false
}

// DecisionSource identifies which path produced a decision.
type DecisionSource string

const (
	SourceAutopilot      DecisionSource = "autopilot"
	SourceHuman          DecisionSource = "human"
	SourceTimeoutDefault DecisionSource = "timeout-default"
)

// Decision is the output of policy evaluation or of an accepted human reply,
// before it is committed through the guard.
type Decision struct {
	PromptID       string         `json:"prompt_id"`
	SessionID      string         `json:"session_id"`
	Action         Action         `json:"action"`
	Value          string         `json:"value,omitempty"`
	MatchedRuleID  string         `json:"matched_rule_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Source         DecisionSource `json:"source"`

	// Overridden is set when the autonomy gate substituted the action the
	// matched rule asked for. Never silent.
	Overridden     bool   `json:"overridden,omitempty"`
	OriginalAction Action `json:"original_action,omitempty"`
}

// CommitResult reports the outcome of a guarded commit attempt. When Applied
// is false, Final carries whatever decision is already durably recorded (it is
// nil only when no decision exists, e.g. the prompt is unknown or expired
// undecided). The caller never re-executes the action on Applied=false.
type CommitResult struct {
	Applied bool      `json:"applied"`
	Final   *Decision `json:"final_decision,omitempty"`
}

// InboundReply is a human answer delivered by a channel transport. It passes
// the channel gate before it ever reaches the guard.
type InboundReply struct {
	PromptID  string `json:"prompt_id"`
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
	Value     string `json:"value"`
}

// Notification is a push to the human channel for NOTIFY_ONLY and
// REQUIRE_HUMAN actions. Delivery is fire-and-forget.
type Notification struct {
	SessionID string `json:"session_id"`
	PromptID  string `json:"prompt_id,omitempty"`
	Text      string `json:"text"`
}
