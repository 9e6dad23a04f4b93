// Package detector classifies raw terminal output into typed prompt
// candidates. Detection is tri-signal: structured assertions from an explicit
// call site, ordered pattern sets per prompt type, and a stall heuristic that
// fires when output goes quiet and nothing else matched.
package detector

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/relaycore/relay/pkg/contracts"
)

// Config tunes one detector instance. Zero values fall back to defaults.
type Config struct {
	BufferSize   int           // rolling tail size, default 4096 bytes
	StallTimeout time.Duration // layer 3 quiet window, default 2s
	Threshold    float64       // layer 2 acceptance threshold, default 0.65
	PromptTTL    time.Duration // TTL stamped on emitted events, default 300s
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 2 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.65
	}
	if c.PromptTTL <= 0 {
		c.PromptTTL = contracts.DefaultPromptTTL
	}
	return c
}

// Detector consumes one session's output stream. It is owned by a single
// reader goroutine and is not safe for concurrent use.
type Detector struct {
	sessionID string
	cfg       Config
	buf       []byte

	lastOutput    time.Time
	lastSignature string // type+excerpt of the last emitted event, for dedup
	stalled       bool   // a stall event was already emitted for this quiet period

	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates a detector for one session.
func New(sessionID string, cfg Config) *Detector {
	return &Detector{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default().With("component", "detector", "session_id", sessionID),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Feed consumes a chunk of raw output and returns any prompt candidates that
// clear the acceptance threshold. The rolling buffer never grows beyond the
// configured size regardless of run length.
func (d *Detector) Feed(chunk []byte) []contracts.PromptEvent {
	now := d.clock()
	d.lastOutput = now
	d.stalled = false

	stripped := ansi.Strip(string(chunk))
	d.buf = append(d.buf, stripped...)
	if len(d.buf) > d.cfg.BufferSize {
		d.buf = d.buf[len(d.buf)-d.cfg.BufferSize:]
	}

	tail := string(d.buf)
	cand := classify(tail)
	if cand == nil {
		return nil
	}
	if cand.confidence < d.cfg.Threshold {
		d.logger.Debug("candidate below threshold, discarded",
			"prompt_type", cand.ptype, "confidence", cand.confidence)
		return nil
	}

	excerpt := tailExcerpt(tail)
	sig := string(cand.ptype) + "\x00" + excerpt
	if sig == d.lastSignature {
		return nil
	}
	d.lastSignature = sig

	return []contracts.PromptEvent{d.newEvent(now, cand.ptype, cand.confidence, excerpt, cand.choices)}
}

// Assert is the structured detection layer: an explicit call site knows the
// process is prompting and states the type directly. No text parsing,
// confidence 1.0.
func (d *Detector) Assert(ptype contracts.PromptType, excerpt string, choices []string) contracts.PromptEvent {
	now := d.clock()
	d.lastOutput = now
	d.stalled = false
	excerpt = truncateTail(excerpt, contracts.MaxExcerptLen)
	d.lastSignature = string(ptype) + "\x00" + excerpt
	return d.newEvent(now, ptype, 1.0, excerpt, choices)
}

// CheckStall is the heuristic layer: if no output has arrived for the stall
// window and no pattern matched, the process is probably blocked on something
// we could not classify. Emits at most one UNKNOWN event per quiet period.
// The acceptance threshold does not apply here; the stall event is the
// fallback for detection ambiguity.
func (d *Detector) CheckStall() *contracts.PromptEvent {
	now := d.clock()
	if d.lastOutput.IsZero() || d.stalled {
		return nil
	}
	if now.Sub(d.lastOutput) < d.cfg.StallTimeout {
		return nil
	}
	d.stalled = true
	ev := d.newEvent(now, contracts.PromptUnknown, 0.60, tailExcerpt(string(d.buf)), nil)
	return &ev
}

func (d *Detector) newEvent(now time.Time, ptype contracts.PromptType, confidence float64, excerpt string, choices []string) contracts.PromptEvent {
	return contracts.PromptEvent{
		PromptID:    d.newID(),
		SessionID:   d.sessionID,
		Type:        ptype,
		Confidence:  confidence,
		Excerpt:     excerpt,
		Choices:     choices,
		SafeDefault: safeDefaults[ptype],
		Status:      contracts.StatusCreated,
		CreatedAt:   now.UTC(),
		ExpiresAt:   now.UTC().Add(d.cfg.PromptTTL),
	}
}

func tailExcerpt(tail string) string {
	tail = strings.TrimRight(tail, " \t")
	tail = truncateTail(tail, contracts.MaxExcerptLen)
	return strings.TrimLeft(tail, "\r\n")
}

// truncateTail keeps the last max bytes of s, then advances past any partial
// rune left at the cut so the excerpt stays valid UTF-8.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
