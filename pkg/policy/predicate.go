package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaycore/relay/pkg/contracts"
)

// maxRegexLen bounds excerpt_regex patterns. Combined with the bounded
// excerpt and Go's linear-time engine this keeps per-rule evaluation cheap.
const maxRegexLen = 512

// predicate is one node of the compiled match tree. The tree is a closed
// tagged-variant structure built once at load time; evaluation only walks it.
type predicate interface {
	eval(ev contracts.PromptEvent, sctx SessionContext) bool
	describe() string
}

type typeClause struct{ t contracts.PromptType }

func (c typeClause) eval(ev contracts.PromptEvent, _ SessionContext) bool { return ev.Type == c.t }
func (c typeClause) describe() string                                    { return fmt.Sprintf("type=%s", c.t) }

type minConfidenceClause struct{ min float64 }

func (c minConfidenceClause) eval(ev contracts.PromptEvent, _ SessionContext) bool {
	return ev.Confidence >= c.min
}
func (c minConfidenceClause) describe() string { return fmt.Sprintf("min_confidence=%v", c.min) }

type maxConfidenceClause struct{ max float64 }

func (c maxConfidenceClause) eval(ev contracts.PromptEvent, _ SessionContext) bool {
	return ev.Confidence <= c.max
}
func (c maxConfidenceClause) describe() string { return fmt.Sprintf("max_confidence=%v", c.max) }

type containsClause struct{ needle string }

func (c containsClause) eval(ev contracts.PromptEvent, _ SessionContext) bool {
	return strings.Contains(strings.ToLower(ev.Excerpt), strings.ToLower(c.needle))
}
func (c containsClause) describe() string { return fmt.Sprintf("excerpt_contains=%q", c.needle) }

type regexClause struct {
	re  *regexp.Regexp
	src string
}

func (c regexClause) eval(ev contracts.PromptEvent, _ SessionContext) bool {
	return c.re.MatchString(ev.Excerpt)
}
func (c regexClause) describe() string { return fmt.Sprintf("excerpt_regex=%q", c.src) }

type sessionTagClause struct{ tag string }

func (c sessionTagClause) eval(_ contracts.PromptEvent, sctx SessionContext) bool {
	for _, t := range sctx.Tags {
		if t == c.tag {
			return true
		}
	}
	return false
}
func (c sessionTagClause) describe() string { return fmt.Sprintf("session_tag=%s", c.tag) }

type toolClause struct{ tool string }

func (c toolClause) eval(_ contracts.PromptEvent, sctx SessionContext) bool {
	return sctx.Tool == c.tool
}
func (c toolClause) describe() string { return fmt.Sprintf("tool=%s", c.tool) }

type allOf struct{ children []predicate }

func (c allOf) eval(ev contracts.PromptEvent, sctx SessionContext) bool {
	for _, child := range c.children {
		if !child.eval(ev, sctx) {
			return false
		}
	}
	return true
}
func (c allOf) describe() string { return join(c.children, " AND ") }

type anyOf struct{ children []predicate }

func (c anyOf) eval(ev contracts.PromptEvent, sctx SessionContext) bool {
	for _, child := range c.children {
		if child.eval(ev, sctx) {
			return true
		}
	}
	return false
}
func (c anyOf) describe() string { return "any_of(" + join(c.children, " OR ") + ")" }

type noneOf struct{ children []predicate }

func (c noneOf) eval(ev contracts.PromptEvent, sctx SessionContext) bool {
	for _, child := range c.children {
		if child.eval(ev, sctx) {
			return false
		}
	}
	return true
}
func (c noneOf) describe() string { return "none_of(" + join(c.children, ", ") + ")" }

// matchAll is the predicate of a rule with an empty match block.
type matchAll struct{}

func (matchAll) eval(contracts.PromptEvent, SessionContext) bool { return true }
func (matchAll) describe() string                                { return "always" }

func join(children []predicate, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.describe()
	}
	return strings.Join(parts, sep)
}

// compileMatch builds the predicate tree for one MatchSpec. Sibling leaf
// clauses AND together; none_of is evaluated last, after the primary
// predicate passes.
func compileMatch(spec MatchSpec) (predicate, error) {
	var children []predicate

	if spec.Type != "" {
		t := contracts.PromptType(spec.Type)
		switch t {
		case contracts.PromptYesNo, contracts.PromptConfirmEnter, contracts.PromptMultipleChoice,
			contracts.PromptFreeText, contracts.PromptUnknown:
			children = append(children, typeClause{t: t})
		default:
			return nil, fmt.Errorf("unknown prompt type %q", spec.Type)
		}
	}
	if spec.MinConfidence != nil {
		children = append(children, minConfidenceClause{min: *spec.MinConfidence})
	}
	if spec.MaxConfidence != nil {
		children = append(children, maxConfidenceClause{max: *spec.MaxConfidence})
	}
	if spec.ExcerptContains != "" {
		children = append(children, containsClause{needle: spec.ExcerptContains})
	}
	if spec.ExcerptRegex != "" {
		re, err := compileRegex(spec.ExcerptRegex)
		if err != nil {
			return nil, err
		}
		children = append(children, regexClause{re: re, src: spec.ExcerptRegex})
	}
	if spec.SessionTag != "" {
		children = append(children, sessionTagClause{tag: spec.SessionTag})
	}
	if spec.Tool != "" {
		children = append(children, toolClause{tool: spec.Tool})
	}
	if len(spec.AnyOf) > 0 {
		var alts []predicate
		for _, sub := range spec.AnyOf {
			p, err := compileMatch(sub)
			if err != nil {
				return nil, err
			}
			alts = append(alts, p)
		}
		children = append(children, anyOf{children: alts})
	}
	if len(spec.NoneOf) > 0 {
		var excl []predicate
		for _, sub := range spec.NoneOf {
			p, err := compileMatch(sub)
			if err != nil {
				return nil, err
			}
			excl = append(excl, p)
		}
		// none_of goes last so it acts as a NOT after the primary match.
		children = append(children, noneOf{children: excl})
	}

	if len(children) == 0 {
		return matchAll{}, nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return allOf{children: children}, nil
}

// compileRegex enforces the load-time regex restrictions: bounded length,
// case-insensitive, must not be able to match the empty string, and no
// backreference syntax (Go's engine rejects backreferences at compile time,
// which also rules out catastrophic backtracking).
func compileRegex(src string) (*regexp.Regexp, error) {
	if len(src) > maxRegexLen {
		return nil, fmt.Errorf("excerpt_regex exceeds %d bytes", maxRegexLen)
	}
	re, err := regexp.Compile("(?i)" + src)
	if err != nil {
		return nil, fmt.Errorf("excerpt_regex %q: %w", src, err)
	}
	if re.MatchString("") {
		return nil, fmt.Errorf("excerpt_regex %q can match the empty string", src)
	}
	return re, nil
}
