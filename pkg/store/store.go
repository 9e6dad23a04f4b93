// Package store owns the durable prompt records and the atomic commit guard.
// The guard is the relay's correctness kernel: for any prompt, at most one
// commit attempt is ever applied, checked and mutated in a single conditional
// update. Everything else in the system only reads these rows or attempts a
// guarded write.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaycore/relay/pkg/contracts"
)

var (
	ErrPromptNotFound = errors.New("prompt not found")
	ErrDuplicateID    = errors.New("prompt id already exists")
)

// PromptRecord is one durable prompt row: the event, its single-use token,
// and the decision once the record has closed.
type PromptRecord struct {
	Event    contracts.PromptEvent
	Token    string
	Decision *contracts.Decision // non-nil once the record is closed
	ClosedAt *time.Time
}

// Committed reports whether a decision has been durably recorded.
func (r PromptRecord) Committed() bool { return r.Decision != nil }

// Store is the SQLite-backed reference implementation of the guard. All
// writes serialize through a single-writer lock; the conditional UPDATE is
// the only place a record transitions from open to closed.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) the store at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing database handle and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle so sibling components (the audit chain) can share it.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS prompts (
		prompt_id       TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		prompt_type     TEXT NOT NULL,
		status          TEXT NOT NULL,
		confidence      REAL NOT NULL DEFAULT 0,
		excerpt         TEXT NOT NULL DEFAULT '',
		choices         TEXT NOT NULL DEFAULT '[]',
		safe_default    TEXT NOT NULL DEFAULT '',
		token           TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		expires_at      INTEGER NOT NULL,
		closed_at       INTEGER,
		decided_action  TEXT,
		decided_value   TEXT,
		decided_source  TEXT,
		matched_rule_id TEXT,
		idempotency_key TEXT,
		overridden      INTEGER NOT NULL DEFAULT 0,
		original_action TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
	CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreatePrompt persists a newly detected prompt and returns its single-use
// token. The token never leaves the process boundary; replies prove nothing
// with it, the guard consumes it.
func (s *Store) CreatePrompt(ctx context.Context, ev contracts.PromptEvent) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	choices, err := json.Marshal(ev.Choices)
	if err != nil {
		return "", fmt.Errorf("store: encode choices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (prompt_id, session_id, prompt_type, status, confidence,
			excerpt, choices, safe_default, token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.PromptID, ev.SessionID, string(ev.Type), string(ev.Status), ev.Confidence,
		ev.Excerpt, string(choices), ev.SafeDefault, token,
		ev.CreatedAt.UnixNano(), ev.ExpiresAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("store: insert prompt %s: %w", ev.PromptID, err)
	}
	return token, nil
}

// Commit is the atomic injection guard. The single conditional UPDATE checks
// that the record is open, the token has not been consumed, the TTL has not
// elapsed, and the caller owns the session, then closes the record, all in
// one statement. Zero rows mutated means some competing attempt already won
// (or the prompt expired, or the caller is wrong about the session); the
// result then carries whatever decision is already durable and the caller
// must not execute the action.
func (s *Store) Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return s.commit(ctx, promptID, sessionID, token, d, false)
}

// CommitExpiry closes an open record after its TTL has elapsed, recording the
// timeout default. It uses the same open/token condition as Commit but skips
// the TTL check; this is the only legal way to close an expired prompt.
func (s *Store) CommitExpiry(ctx context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return s.commit(ctx, promptID, d.SessionID, token, d, true)
}

func (s *Store) commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision, allowExpired bool) (contracts.CommitResult, error) {
	now := s.clock().UTC()

	query := `
		UPDATE prompts
		SET closed_at = ?, decided_action = ?, decided_value = ?, decided_source = ?,
			matched_rule_id = ?, idempotency_key = ?, overridden = ?, original_action = ?
		WHERE prompt_id = ? AND session_id = ? AND token = ? AND closed_at IS NULL`
	args := []any{
		now.UnixNano(), string(d.Action), d.Value, string(d.Source),
		d.MatchedRuleID, d.IdempotencyKey, boolToInt(d.Overridden), string(d.OriginalAction),
		promptID, sessionID, token,
	}
	if !allowExpired {
		query += ` AND expires_at > ?`
		args = append(args, now.UnixNano())
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.mu.Unlock()
	if err != nil {
		return contracts.CommitResult{}, fmt.Errorf("store: commit %s: %w", promptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.CommitResult{}, fmt.Errorf("store: commit %s: rows affected: %w", promptID, err)
	}
	if n == 1 {
		return contracts.CommitResult{Applied: true, Final: &d}, nil
	}

	// Lost the race (or expired, or mismatched). Report the durable outcome.
	final, err := s.GetDecision(ctx, promptID)
	if err != nil && !errors.Is(err, ErrPromptNotFound) {
		return contracts.CommitResult{}, err
	}
	return contracts.CommitResult{Applied: false, Final: final}, nil
}

// GetDecision returns the committed decision for a prompt, or nil when the
// record is still open.
func (s *Store) GetDecision(ctx context.Context, promptID string) (*contracts.Decision, error) {
	rec, err := s.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return rec.Decision, nil
}

// GetPrompt loads one prompt record.
func (s *Store) GetPrompt(ctx context.Context, promptID string) (*PromptRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE prompt_id = ?`, promptID)
	rec, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	return rec, err
}

// MarkStatus advances the prompt lifecycle, enforcing the state machine. A
// transition out of a terminal state returns ErrTerminalTransition.
func (s *Store) MarkStatus(ctx context.Context, promptID string, to contracts.PromptStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM prompts WHERE prompt_id = ?`, promptID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	if err != nil {
		return fmt.Errorf("store: read status %s: %w", promptID, err)
	}
	if err := contracts.ValidateTransition(contracts.PromptStatus(current), to); err != nil {
		return err
	}
	// Optimistic condition on the old status keeps concurrent markers honest.
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET status = ? WHERE prompt_id = ? AND status = ?`,
		string(to), promptID, current)
	if err != nil {
		return fmt.Errorf("store: mark %s %s: %w", promptID, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: status of %s changed concurrently", promptID)
	}
	return nil
}

// OpenPrompts returns every prompt not in a terminal state, for restart
// recovery. Records with a committed decision still appear here when the
// crash happened between commit and injection acknowledgement.
func (s *Store) OpenPrompts(ctx context.Context) ([]PromptRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status NOT IN ('INJECTED', 'EXPIRED', 'DENIED', 'CANCELED', 'FAILED')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: open prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []PromptRecord
	for rows.Next() {
		rec, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

const selectColumns = `
	SELECT prompt_id, session_id, prompt_type, status, confidence, excerpt, choices,
		safe_default, token, created_at, expires_at, closed_at, decided_action,
		decided_value, decided_source, matched_rule_id, idempotency_key,
		overridden, original_action
	FROM prompts`

type rowScanner interface{ Scan(dest ...any) error }

func scanPrompt(row rowScanner) (*PromptRecord, error) {
	var (
		rec        PromptRecord
		ptype      string
		status     string
		choices    string
		createdAt  int64
		expiresAt  int64
		closedAt   sql.NullInt64
		action     sql.NullString
		value      sql.NullString
		source     sql.NullString
		ruleID     sql.NullString
		idemKey    sql.NullString
		overridden int
		original   sql.NullString
	)
	err := row.Scan(&rec.Event.PromptID, &rec.Event.SessionID, &ptype, &status,
		&rec.Event.Confidence, &rec.Event.Excerpt, &choices, &rec.Event.SafeDefault,
		&rec.Token, &createdAt, &expiresAt, &closedAt, &action, &value, &source,
		&ruleID, &idemKey, &overridden, &original)
	if err != nil {
		return nil, err
	}
	rec.Event.Type = contracts.PromptType(ptype)
	rec.Event.Status = contracts.PromptStatus(status)
	rec.Event.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.Event.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if choices != "" && choices != "[]" {
		if err := json.Unmarshal([]byte(choices), &rec.Event.Choices); err != nil {
			return nil, fmt.Errorf("store: decode choices: %w", err)
		}
	}
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		rec.ClosedAt = &t
		rec.Decision = &contracts.Decision{
			PromptID:       rec.Event.PromptID,
			SessionID:      rec.Event.SessionID,
			Action:         contracts.Action(action.String),
			Value:          value.String,
			Source:         contracts.DecisionSource(source.String),
			MatchedRuleID:  ruleID.String,
			IdempotencyKey: idemKey.String,
			Overridden:     overridden != 0,
			OriginalAction: contracts.Action(original.String),
		}
	}
	return &rec, nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("store: token entropy: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
