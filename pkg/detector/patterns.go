package detector

import (
	"regexp"

	"github.com/relaycore/relay/pkg/contracts"
)

// patternSet is the ordered match set for one prompt type. Confidence is
// base + 0.05 per extra matching pattern, capped at 0.99.
type patternSet struct {
	ptype    contracts.PromptType
	base     float64
	patterns []*regexp.Regexp
}

// Sets are checked in declared order; on equal confidence the earlier type wins.
var patternSets = []patternSet{
	{
		ptype: contracts.PromptYesNo,
		base:  0.80,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\((?:y/n|yes/no)\)\s*:?\s*$`),
			regexp.MustCompile(`(?i)\[(?:y/n|yes/no|y/n/a)\]\s*:?\s*$`),
			regexp.MustCompile(`(?i)do you want to (?:proceed|continue|apply|overwrite)`),
			regexp.MustCompile(`(?i)are you sure\b`),
			regexp.MustCompile(`(?i)\bconfirm\?\s*$`),
		},
	},
	{
		ptype: contracts.PromptConfirmEnter,
		base:  0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)press (?:enter|return) to continue`),
			regexp.MustCompile(`(?i)hit (?:enter|return)\b`),
			regexp.MustCompile(`(?i)\[press enter\]`),
		},
	},
	{
		ptype: contracts.PromptMultipleChoice,
		base:  0.70,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)select an option`),
			regexp.MustCompile(`(?i)enter your choice`),
			regexp.MustCompile(`(?i)choose (?:one|a number|an option)`),
			regexp.MustCompile(`(?mi)^\s*(?:[❯>]\s*)?\d+[.)]\s+\S`),
		},
	},
	{
		ptype: contracts.PromptFreeText,
		base:  0.65,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)enter (?:a|the|your) [a-z ]+:?\s*$`),
			regexp.MustCompile(`(?i)provide (?:a|the|your) [a-z ]+:?\s*$`),
			regexp.MustCompile(`(?m)[:?][ \t]*$`),
		},
	},
}

var choiceLine = regexp.MustCompile(`(?m)^\s*(?:[❯>]\s*)?(\d+)[.)]\s+(.+?)\s*$`)

// safeDefaults is the value injected when a prompt of each type times out
// undecided. FREE_TEXT has no safe literal; a bare newline at least unblocks
// the process.
var safeDefaults = map[contracts.PromptType]string{
	contracts.PromptYesNo:          "n",
	contracts.PromptConfirmEnter:   "\n",
	contracts.PromptMultipleChoice: "1",
	contracts.PromptFreeText:       "\n",
	contracts.PromptUnknown:        "\n",
}

type candidate struct {
	ptype      contracts.PromptType
	confidence float64
	choices    []string
}

// classify runs the layer 2 pattern sets against the buffer tail and returns
// the strongest candidate, or nil when nothing matched.
func classify(tail string) *candidate {
	var best *candidate
	for _, set := range patternSets {
		matches := 0
		for _, re := range set.patterns {
			if re.MatchString(tail) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		conf := set.base + 0.05*float64(matches-1)
		if conf > 0.99 {
			conf = 0.99
		}
		if best == nil || conf > best.confidence {
			c := &candidate{ptype: set.ptype, confidence: conf}
			if set.ptype == contracts.PromptMultipleChoice {
				c.choices = extractChoices(tail)
			}
			best = c
		}
	}
	return best
}

func extractChoices(tail string) []string {
	var choices []string
	for _, m := range choiceLine.FindAllStringSubmatch(tail, -1) {
		choices = append(choices, m[2])
	}
	return choices
}
