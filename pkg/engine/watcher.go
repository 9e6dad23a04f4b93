package engine

import (
	"time"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/policy"
)

// startWatcher spawns the timeout watcher for one outstanding prompt. It
// sleeps until expires_at plus a small grace, then attempts a guarded commit
// of the safe default. If anything else committed first, the attempt is a
// no-op; the guard, not the watcher, decides who won.
func (e *Engine) startWatcher(ev contracts.PromptEvent, token string, settled chan struct{}) {
	deadline := ev.ExpiresAt.Add(e.cfg.ExpiryGrace)
	e.group.Go(func() error {
		delay := deadline.Sub(e.clock())
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-e.drain:
			// Shutting down; the open prompt replays through recovery.
			return nil
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-settled:
			// Settled before expiry, nothing to do.
			return nil
		case <-timer.C:
			e.expire(ev, token)
			return nil
		}
	})
}

// expire commits the timeout default and injects it. CommitExpiry skips the
// TTL condition but still requires the record to be open and the token
// unconsumed, so a reply that landed first wins and this is a no-op.
func (e *Engine) expire(ev contracts.PromptEvent, token string) {
	ctx := e.ctx
	d := contracts.Decision{
		PromptID:       ev.PromptID,
		SessionID:      ev.SessionID,
		Action:         contracts.ActionAutoReply,
		Value:          ev.SafeDefault,
		Source:         contracts.SourceTimeoutDefault,
		IdempotencyKey: policy.IdempotencyKey(e.deps.Evaluator.PolicyHash(), ev.PromptID, ev.SessionID),
	}
	res, err := e.deps.Guard.CommitExpiry(ctx, ev.PromptID, token, d)
	if err != nil {
		e.logger.Error("expiry commit", "prompt_id", ev.PromptID, "error", err)
		return
	}
	e.trace(d, res.Applied)
	if !res.Applied {
		e.settle(ev.PromptID)
		return
	}
	e.audit(ctx, audit.EventExpiry, ev.SessionID, ev.PromptID, map[string]any{
		"safe_default": ev.SafeDefault,
	})
	if err := e.deps.Sink.Write(ctx, ev.SessionID, []byte(ev.SafeDefault)); err != nil {
		e.logger.Error("expiry injection failed",
			"session_id", ev.SessionID, "prompt_id", ev.PromptID, "error", err)
	}
	if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusExpired); err != nil {
		e.logger.Error("mark expired", "prompt_id", ev.PromptID, "error", err)
	}
	e.settle(ev.PromptID)
}
