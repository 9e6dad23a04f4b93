package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaycore/relay/pkg/contracts"
)

// PostgresStore implements the same guard contract as Store on PostgreSQL,
// for deployments where several relay processes share one durable record set.
// The conditional UPDATE carries the whole guarantee; no advisory locks.
type PostgresStore struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// OpenPostgres connects and runs migrations.
func OpenPostgres(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing handle and runs migrations.
func NewPostgres(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "store-postgres"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// Close releases the underlying handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS prompts (
		prompt_id       TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		prompt_type     TEXT NOT NULL,
		status          TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
		excerpt         TEXT NOT NULL DEFAULT '',
		choices         TEXT NOT NULL DEFAULT '[]',
		safe_default    TEXT NOT NULL DEFAULT '',
		token           TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		expires_at      BIGINT NOT NULL,
		closed_at       BIGINT,
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
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

// CreatePrompt persists a new prompt and returns its single-use token.
func (s *PostgresStore) CreatePrompt(ctx context.Context, ev contracts.PromptEvent) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	choices, err := json.Marshal(ev.Choices)
	if err != nil {
		return "", fmt.Errorf("store: encode choices: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (prompt_id, session_id, prompt_type, status, confidence,
			excerpt, choices, safe_default, token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.PromptID, ev.SessionID, string(ev.Type), string(ev.Status), ev.Confidence,
		ev.Excerpt, string(choices), ev.SafeDefault, token,
		ev.CreatedAt.UnixNano(), ev.ExpiresAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("store: insert prompt %s: %w", ev.PromptID, err)
	}
	return token, nil
}

// Commit is the guard on Postgres; semantics identical to Store.Commit.
func (s *PostgresStore) Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return s.commit(ctx, promptID, sessionID, token, d, false)
}

// CommitExpiry closes an open record after its TTL has elapsed; semantics
// identical to Store.CommitExpiry.
func (s *PostgresStore) CommitExpiry(ctx context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return s.commit(ctx, promptID, d.SessionID, token, d, true)
}

func (s *PostgresStore) commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision, allowExpired bool) (contracts.CommitResult, error) {
	now := s.clock().UTC()

	query := `
		UPDATE prompts
		SET closed_at = $1, decided_action = $2, decided_value = $3, decided_source = $4,
			matched_rule_id = $5, idempotency_key = $6, overridden = $7, original_action = $8
		WHERE prompt_id = $9 AND session_id = $10 AND token = $11 AND closed_at IS NULL`
	args := []any{
		now.UnixNano(), string(d.Action), d.Value, string(d.Source),
		d.MatchedRuleID, d.IdempotencyKey, boolToInt(d.Overridden), string(d.OriginalAction),
		promptID, sessionID, token,
	}
	if !allowExpired {
		query += ` AND expires_at > $12`
		args = append(args, now.UnixNano())
	}

	res, err := s.db.ExecContext(ctx, query, args...)
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
	final, err := s.GetDecision(ctx, promptID)
	if err != nil && !errors.Is(err, ErrPromptNotFound) {
		return contracts.CommitResult{}, err
	}
	return contracts.CommitResult{Applied: false, Final: final}, nil
}

// GetDecision returns the committed decision, or nil while the record is open.
func (s *PostgresStore) GetDecision(ctx context.Context, promptID string) (*contracts.Decision, error) {
	rec, err := s.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return rec.Decision, nil
}

// GetPrompt loads one prompt record.
func (s *PostgresStore) GetPrompt(ctx context.Context, promptID string) (*PromptRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE prompt_id = $1`, promptID)
	rec, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	return rec, err
}

// MarkStatus advances the prompt lifecycle, enforcing the state machine.
func (s *PostgresStore) MarkStatus(ctx context.Context, promptID string, to contracts.PromptStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM prompts WHERE prompt_id = $1`, promptID).Scan(&current)
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
		`UPDATE prompts SET status = $1 WHERE prompt_id = $2 AND status = $3`,
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
// recovery.
func (s *PostgresStore) OpenPrompts(ctx context.Context) ([]PromptRecord, error) {
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
