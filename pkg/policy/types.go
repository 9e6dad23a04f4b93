// Package policy implements the relay's rule DSL: YAML policy bundles are
// schema-checked at load time, compiled once into a closed predicate tree,
// and evaluated first-match-wins. Evaluation is deterministic; everything
// that can be rejected is rejected at load time, never live.
package policy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/relaycore/relay/pkg/contracts"
)

// Mode is the global autonomy ceiling on which actions evaluation may return.
type Mode string

const (
	ModeOff    Mode = "OFF"    // everything goes to a human
	ModeAssist Mode = "ASSIST" // notify/escalate only; no automatic replies or denials
	ModeFull   Mode = "FULL"   // all four actions permitted
)

// ParseMode validates an autonomy mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeAssist, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("policy: unknown autonomy mode %q", s)
}

// SessionContext carries the session attributes rule clauses can match on.
type SessionContext struct {
	Tags []string `json:"tags,omitempty"`
	Tool string   `json:"tool,omitempty"`
}

// Defaults are applied when no rule matches. Restricted to REQUIRE_HUMAN or
// DENY at load time so a misconfigured bundle can never auto-reply by default.
type Defaults struct {
	NoMatch       contracts.Action `yaml:"no_match" json:"no_match"`
	LowConfidence contracts.Action `yaml:"low_confidence" json:"low_confidence"`
}

// MatchSpec is the raw YAML form of a rule predicate. Sibling leaf clauses
// are a conjunction; any_of is an OR over sub-predicates; none_of is a NOT
// applied after the primary predicate passes.
type MatchSpec struct {
	Type            string      `yaml:"type,omitempty" json:"type,omitempty"`
	MinConfidence   *float64    `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	MaxConfidence   *float64    `yaml:"max_confidence,omitempty" json:"max_confidence,omitempty"`
	ExcerptContains string      `yaml:"excerpt_contains,omitempty" json:"excerpt_contains,omitempty"`
	ExcerptRegex    string      `yaml:"excerpt_regex,omitempty" json:"excerpt_regex,omitempty"`
	SessionTag      string      `yaml:"session_tag,omitempty" json:"session_tag,omitempty"`
	Tool            string      `yaml:"tool,omitempty" json:"tool,omitempty"`
	AnyOf           []MatchSpec `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf          []MatchSpec `yaml:"none_of,omitempty" json:"none_of,omitempty"`
}

// RuleSpec is one declared rule. Rules are evaluated in declared order and
// the first fully satisfied predicate wins.
type RuleSpec struct {
	ID     string           `yaml:"id" json:"id"`
	Match  MatchSpec        `yaml:"match,omitempty" json:"match,omitempty"`
	Action contracts.Action `yaml:"action" json:"action"`
	Value  string           `yaml:"value,omitempty" json:"value,omitempty"`
}

// Bundle is the parsed YAML policy document.
type Bundle struct {
	Version            string     `yaml:"version" json:"version"`
	Name               string     `yaml:"name,omitempty" json:"name,omitempty"`
	LowConfidenceBelow float64    `yaml:"low_confidence_below,omitempty" json:"low_confidence_below,omitempty"`
	Defaults           Defaults   `yaml:"defaults" json:"defaults"`
	Rules              []RuleSpec `yaml:"rules" json:"rules"`
}

func (b *Bundle) validate() error {
	if _, err := semver.NewVersion(b.Version); err != nil {
		return fmt.Errorf("policy: version %q is not valid semver: %w", b.Version, err)
	}
	for _, d := range []contracts.Action{b.Defaults.NoMatch, b.Defaults.LowConfidence} {
		if d != contracts.ActionRequireHuman && d != contracts.ActionDeny {
			return fmt.Errorf("policy: default action %q is forbidden; defaults must be REQUIRE_HUMAN or DENY", d)
		}
	}
	if b.LowConfidenceBelow < 0 || b.LowConfidenceBelow > 1 {
		return fmt.Errorf("policy: low_confidence_below %v out of range [0,1]", b.LowConfidenceBelow)
	}
	seen := make(map[string]bool, len(b.Rules))
	for i, r := range b.Rules {
		if r.ID == "" {
			return fmt.Errorf("policy: rule %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if !r.Action.Valid() {
			return fmt.Errorf("policy: rule %q has unknown action %q", r.ID, r.Action)
		}
		if r.Action == contracts.ActionAutoReply && r.Value == "" {
			return fmt.Errorf("policy: rule %q is AUTO_REPLY but has no value to inject", r.ID)
		}
	}
	return nil
}
