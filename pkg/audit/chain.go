// Package audit implements the relay's tamper-evident trail: an append-only,
// hash-chained event log plus a flat JSONL decision trace. The chain detects
// any in-place edit, reorder, deletion or insertion; it cannot detect
// wholesale replacement of the log, which is an accepted limitation.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	_ "modernc.org/sqlite"
)

// EventType categorizes audit entries.
type EventType string

const (
	EventPromptDetected EventType = "prompt_detected"
	EventDecision       EventType = "decision"
	EventCommitApplied  EventType = "commit_applied"
	EventCommitRejected EventType = "commit_rejected"
	EventInjection      EventType = "injection"
	EventReplyAccepted  EventType = "reply_accepted"
	EventReplyRejected  EventType = "reply_rejected"
	EventExpiry         EventType = "expiry"
	EventQueueOverflow  EventType = "queue_overflow"
	EventKillSwitch     EventType = "kill_switch"
	EventPolicyReload   EventType = "policy_reload"
	EventRecovery       EventType = "recovery"
)

// Entry is one immutable audit record. Entries are created once, never
// mutated and never deleted by the running system.
type Entry struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	EventType EventType       `json:"event_type"`
	SessionID string          `json:"session_id"`
	PromptID  string          `json:"prompt_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Chain is the hash-chained writer. Appends serialize through a single
// writer lock; the chain head lives in memory and is reloaded on open.
type Chain struct {
	mu     sync.Mutex
	db     *sql.DB
	head   string
	seq    uint64
	clock  func() time.Time
	logger *slog.Logger
}

// NewChain opens the chain over the given database, creating the table and
// reloading the current head.
func NewChain(db *sql.DB) (*Chain, error) {
	c := &Chain{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	if err := c.loadHead(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

func (c *Chain) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		prompt_id  TEXT,
		payload    TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL
	);`
	if _, err := c.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (c *Chain) loadHead() error {
	row := c.db.QueryRow(`SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	err := row.Scan(&c.seq, &c.head)
	if errors.Is(err, sql.ErrNoRows) {
		c.head = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: load head: %w", err)
	}
	return nil
}

// Append records a new event. The payload is canonicalized (RFC 8785) before
// hashing so map ordering can never break verification.
func (c *Chain) Append(ctx context.Context, eventType EventType, sessionID, promptID string, payload any) (*Entry, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		ID:        uuid.New().String(),
		Seq:       c.seq + 1,
		EventType: eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   canonical,
		Timestamp: c.clock().UTC(),
		PrevHash:  c.head,
	}
	entry.Hash = entryHash(entry.PrevHash, entry.ID, entry.EventType, canonical)

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.EventType), entry.SessionID, entry.PromptID,
		string(entry.Payload), entry.Timestamp.UnixNano(), entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}

	c.seq = entry.Seq
	c.head = entry.Hash
	return entry, nil
}

// Head returns the current chain head hash.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Entries loads the full chain in sequence order.
func (c *Chain) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: load entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			etype    string
			promptID sql.NullString
			payload  string
			ts       int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &etype, &e.SessionID, &promptID, &payload, &ts, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.EventType = EventType(etype)
		e.PromptID = promptID.String
		e.Payload = json.RawMessage(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyResult reports chain verification. FirstBreak is -1 for a clean chain.
type VerifyResult struct {
	OK         bool `json:"ok"`
	FirstBreak int  `json:"first_break_index"`
}

// Verify recomputes every hash and checks linkage. Any payload edit,
// reordering, deletion or fabricated insertion breaks the chain at a
// deterministic index at or before the tampered position.
func Verify(entries []Entry) VerifyResult {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return VerifyResult{OK: false, FirstBreak: i}
		}
		if entryHash(e.PrevHash, e.ID, e.EventType, e.Payload) != e.Hash {
			return VerifyResult{OK: false, FirstBreak: i}
		}
		prev = e.Hash
	}
	return VerifyResult{OK: true, FirstBreak: -1}
}

// entryHash is H(prev_hash || id || event_type || canonical(payload)).
func entryHash(prevHash, id string, eventType EventType, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{0})
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}
