package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/pkg/contracts"
)

// commitScript performs the guard's check-and-mutate atomically inside Redis.
// KEYS[1] = prompt key
// ARGV[1] = token, ARGV[2] = session id, ARGV[3] = decision JSON
// Returns {applied, decision JSON or ""}. A missing key means the prompt's
// TTL elapsed (the key expired), which the guard reports as a plain loss.
var commitScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {0, ""}
end
local open = redis.call("HGET", key, "open")
local token = redis.call("HGET", key, "token")
local session = redis.call("HGET", key, "session_id")
if open == "1" and token == ARGV[1] and session == ARGV[2] then
    redis.call("HSET", key, "open", "0", "decision", ARGV[3])
    return {1, ARGV[3]}
end
local existing = redis.call("HGET", key, "decision")
if not existing then
    existing = ""
end
return {0, existing}
`)

// RedisGuard implements the commit guard on Redis for multi-process relays.
// TTL enforcement is structural here too: the prompt key expires at
// expires_at, so a late commit finds nothing to mutate.
type RedisGuard struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisGuard connects a guard to Redis.
func NewRedisGuard(addr, password string, db int) *RedisGuard {
	return &RedisGuard{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		logger: slog.Default().With("component", "store-redis"),
	}
}

func promptKey(promptID string) string { return "relay:prompt:" + promptID }

// Register mirrors a prompt into Redis with its token. The key expires at the
// prompt's TTL instant.
func (g *RedisGuard) Register(ctx context.Context, ev contracts.PromptEvent, token string) error {
	key := promptKey(ev.PromptID)
	pipe := g.client.TxPipeline()
	pipe.HSet(ctx, key,
		"open", "1",
		"token", token,
		"session_id", ev.SessionID,
		"safe_default", ev.SafeDefault,
	)
	pipe.PExpireAt(ctx, key, ev.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis register %s: %w", ev.PromptID, err)
	}
	return nil
}

// Commit attempts the guarded close. Exactly one caller ever observes
// Applied=true for a given prompt.
func (g *RedisGuard) Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return contracts.CommitResult{}, fmt.Errorf("store: encode decision: %w", err)
	}
	res, err := commitScript.Run(ctx, g.client, []string{promptKey(promptID)},
		token, sessionID, string(payload)).Result()
	if err != nil {
		return contracts.CommitResult{}, fmt.Errorf("store: redis commit %s: %w", promptID, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return contracts.CommitResult{}, fmt.Errorf("store: redis commit %s: unexpected script reply", promptID)
	}
	applied, _ := parts[0].(int64)
	raw, _ := parts[1].(string)

	out := contracts.CommitResult{Applied: applied == 1}
	if raw != "" {
		var final contracts.Decision
		if err := json.Unmarshal([]byte(raw), &final); err != nil {
			return contracts.CommitResult{}, fmt.Errorf("store: decode final decision: %w", err)
		}
		out.Final = &final
	}
	return out, nil
}

// Extend pushes a prompt's expiry out, used only by operator intervention.
func (g *RedisGuard) Extend(ctx context.Context, promptID string, until time.Time) error {
	ok, err := g.client.PExpireAt(ctx, promptKey(promptID), until).Result()
	if err != nil {
		return fmt.Errorf("store: redis extend %s: %w", promptID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	return nil
}
