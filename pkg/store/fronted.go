package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relaycore/relay/pkg/contracts"
)

// Backend is the full durable guard surface shared by the SQLite and
// Postgres stores. The engine consumes a subset of it; FrontedStore
// decorates a Backend without narrowing it.
type Backend interface {
	CreatePrompt(ctx context.Context, ev contracts.PromptEvent) (string, error)
	Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error)
	CommitExpiry(ctx context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error)
	GetDecision(ctx context.Context, promptID string) (*contracts.Decision, error)
	GetPrompt(ctx context.Context, promptID string) (*PromptRecord, error)
	MarkStatus(ctx context.Context, promptID string, to contracts.PromptStatus) error
	OpenPrompts(ctx context.Context) ([]PromptRecord, error)
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*FrontedStore)(nil)
)

// commitFront is the cross-process arbitration surface the Redis guard
// provides: register a prompt, then race commits on it.
type commitFront interface {
	Register(ctx context.Context, ev contracts.PromptEvent, token string) error
	Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error)
}

// FrontedStore arbitrates commits through Redis before writing the winner
// through to the durable backend. Several relay processes sharing one Redis
// and one database still apply at most one decision per prompt.
type FrontedStore struct {
	Backend
	front  commitFront
	logger *slog.Logger
}

// NewFronted layers the commit front over a durable backend.
func NewFronted(backend Backend, front commitFront) *FrontedStore {
	return &FrontedStore{
		Backend: backend,
		front:   front,
		logger:  slog.Default().With("component", "store-fronted"),
	}
}

// CreatePrompt persists the record, then mirrors it into the front so other
// processes can race on it.
func (s *FrontedStore) CreatePrompt(ctx context.Context, ev contracts.PromptEvent) (string, error) {
	token, err := s.Backend.CreatePrompt(ctx, ev)
	if err != nil {
		return "", err
	}
	if err := s.front.Register(ctx, ev, token); err != nil {
		return "", err
	}
	return token, nil
}

// Commit races in the front first; only the winner writes through. A loss
// returns whatever decision is already final.
func (s *FrontedStore) Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	res, err := s.front.Commit(ctx, promptID, sessionID, token, d)
	if err != nil {
		return contracts.CommitResult{}, err
	}
	if !res.Applied {
		if res.Final == nil {
			// The front key expired; the backend holds the durable truth.
			final, err := s.Backend.GetDecision(ctx, promptID)
			if err != nil && !errors.Is(err, ErrPromptNotFound) {
				return contracts.CommitResult{}, err
			}
			res.Final = final
		}
		return res, nil
	}
	return s.Backend.Commit(ctx, promptID, sessionID, token, d)
}

// CommitExpiry goes straight to the backend: by the time a timeout watcher
// fires, the front key has already expired with the prompt's TTL, and the
// backend's conditional UPDATE arbitrates the race on its own.
func (s *FrontedStore) CommitExpiry(ctx context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return s.Backend.CommitExpiry(ctx, promptID, token, d)
}
