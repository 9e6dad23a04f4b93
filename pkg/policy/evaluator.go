package policy

import (
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/relaycore/relay/pkg/contracts"
)

// CredentialRuleID marks decisions produced by the built-in credential
// short-circuit, which takes precedence over rule evaluation entirely.
const CredentialRuleID = "builtin:credential-deny"

// credentialPattern flags free-text prompts that look like they are asking
// for secrets. These are never forwarded to rule evaluation.
var credentialPattern = regexp.MustCompile(`(?i)\b(password|passphrase|api[-_ ]?key|secret|token|credential)s?\b[^\n]*[:?][ \t]*$`)

// defaultRuleBudget is the per-rule evaluation deadline. Go's regexp engine
// is linear and inputs are bounded, so exceeding it means something is badly
// wrong; the rule is treated as non-matching and evaluation continues.
const defaultRuleBudget = 5 * time.Millisecond

// Evaluator applies a compiled policy to prompt events under a global
// autonomy mode. Evaluate is deterministic: identical inputs produce
// identical decisions, including the idempotency key.
type Evaluator struct {
	mu         sync.RWMutex
	policy     *Policy
	mode       Mode
	ruleBudget time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// NewEvaluator wraps a compiled policy.
func NewEvaluator(p *Policy, mode Mode) *Evaluator {
	return &Evaluator{
		policy:     p,
		mode:       mode,
		ruleBudget: defaultRuleBudget,
		clock:      time.Now,
		logger:     slog.Default().With("component", "policy"),
	}
}

// Reload swaps in a new compiled policy. Idempotency keys derived after the
// swap use the new content hash; already-committed records are untouched.
func (e *Evaluator) Reload(p *Policy) {
	e.mu.Lock()
	old := e.policy
	e.policy = p
	e.mu.Unlock()
	e.logger.Info("policy reloaded", "old_hash", old.Hash(), "new_hash", p.Hash(), "rules", len(p.rules))
}

// PolicyHash returns the hash of the currently active policy.
func (e *Evaluator) PolicyHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.hash
}

// Mode returns the active autonomy mode.
func (e *Evaluator) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode changes the autonomy ceiling for subsequent evaluations.
func (e *Evaluator) SetMode(m Mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// Evaluate produces the decision for one prompt event. First rule whose
// predicate is fully satisfied wins; no scoring, no ranking. The credential
// short-circuit runs before any rule. The autonomy gate is applied last and
// records any substitution explicitly on the decision.
func (e *Evaluator) Evaluate(ev contracts.PromptEvent, sctx SessionContext) contracts.Decision {
	e.mu.RLock()
	pol := e.policy
	mode := e.mode
	e.mu.RUnlock()

	d := contracts.Decision{
		PromptID:       ev.PromptID,
		SessionID:      ev.SessionID,
		Source:         contracts.SourceAutopilot,
		IdempotencyKey: IdempotencyKey(pol.hash, ev.PromptID, ev.SessionID),
	}

	switch {
	case ev.Type == contracts.PromptFreeText && credentialPattern.MatchString(ev.Excerpt):
		d.Action = contracts.ActionDeny
		d.MatchedRuleID = CredentialRuleID
	default:
		if rule := e.firstMatch(pol, ev, sctx); rule != nil {
			d.Action = contracts.Action(rule.action)
			d.Value = rule.value
			d.MatchedRuleID = rule.id
		} else if ev.Confidence >= pol.lowBound {
			d.Action = pol.bundle.Defaults.NoMatch
		} else {
			d.Action = pol.bundle.Defaults.LowConfidence
		}
	}

	return applyAutonomyGate(d, mode)
}

func (e *Evaluator) firstMatch(pol *Policy, ev contracts.PromptEvent, sctx SessionContext) *compiledRule {
	for i := range pol.rules {
		rule := &pol.rules[i]
		start := e.clock()
		matched := rule.pred.eval(ev, sctx)
		if e.clock().Sub(start) > e.ruleBudget {
			// Budget exceeded: treat the rule as non-matching and move on.
			e.logger.Warn("rule evaluation exceeded budget, treated as non-match",
				"rule_id", rule.id, "budget", e.ruleBudget)
			continue
		}
		if matched {
			return rule
		}
	}
	return nil
}

// applyAutonomyGate clamps a decision to what the global mode permits. The
// substitution is recorded on the decision, never silent.
func applyAutonomyGate(d contracts.Decision, mode Mode) contracts.Decision {
	permitted := func(a contracts.Action) bool {
		switch mode {
		case ModeFull:
			return true
		case ModeAssist:
			return a == contracts.ActionRequireHuman || a == contracts.ActionNotifyOnly
		default: // ModeOff
			return a == contracts.ActionRequireHuman
		}
	}
	if permitted(d.Action) {
		return d
	}
	d.Overridden = true
	d.OriginalAction = d.Action
	d.Action = contracts.ActionRequireHuman
	d.Value = ""
	return d
}

// RuleTrace is one entry of an evaluation explanation.
type RuleTrace struct {
	RuleID    string `json:"rule_id"`
	Matched   bool   `json:"matched"`
	Predicate string `json:"predicate"`
	Winner    bool   `json:"winner,omitempty"`
}

// Explain evaluates every rule against the event and reports which matched
// and which one would win. For operator debugging only; the engine never
// calls this on the hot path.
func (e *Evaluator) Explain(ev contracts.PromptEvent, sctx SessionContext) []RuleTrace {
	e.mu.RLock()
	pol := e.policy
	e.mu.RUnlock()

	traces := make([]RuleTrace, 0, len(pol.rules))
	winner := -1
	for i := range pol.rules {
		rule := &pol.rules[i]
		matched := rule.pred.eval(ev, sctx)
		if matched && winner < 0 {
			winner = i
		}
		traces = append(traces, RuleTrace{
			RuleID:    rule.id,
			Matched:   matched,
			Predicate: rule.pred.describe(),
			Winner:    matched && winner == i,
		})
	}
	return traces
}
