package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relaycore/relay/pkg/contracts"
)

// TraceRecord is one line of the decision trace: the flattened outcome of a
// commit attempt, whoever made it.
type TraceRecord struct {
	Timestamp      time.Time                `json:"timestamp"`
	PromptID       string                   `json:"prompt_id"`
	SessionID      string                   `json:"session_id"`
	Action         contracts.Action         `json:"action"`
	Source         contracts.DecisionSource `json:"source"`
	MatchedRuleID  string                   `json:"matched_rule_id,omitempty"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
	Applied        bool                     `json:"applied"`
	Overridden     bool                     `json:"overridden,omitempty"`
	PolicyHash     string                   `json:"policy_hash,omitempty"`
}

// TraceWriter appends one JSON record per decision to a file that is never
// rewritten in place.
type TraceWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewTraceWriter opens (or creates) the trace file in append-only mode.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open trace %s: %w", path, err)
	}
	return &TraceWriter{f: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one record.
func (w *TraceWriter) Write(rec TraceRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("audit: write trace: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
