package engine

import (
	"context"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/killswitch"
	"github.com/relaycore/relay/pkg/store"
)

// recover replays every prompt that was not terminal when the process died.
// The rules: a committed decision is re-executed but never re-decided; an
// open, unexpired prompt is re-evaluated against the current policy; an
// expired one goes straight to EXPIRED without evaluation. A crash can
// neither lose a prompt nor double-inject.
func (e *Engine) recover(ctx context.Context) error {
	records, err := e.deps.Guard.OpenPrompts(ctx)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	for i := range records {
		rec := &records[i]
		switch {
		case rec.Committed():
			e.replayCommitted(ctx, rec)
		case rec.Event.Expired(now):
			e.audit(ctx, audit.EventRecovery, rec.Event.SessionID, rec.Event.PromptID, map[string]any{
				"outcome": "expired",
			})
			if err := e.deps.Guard.MarkStatus(ctx, rec.Event.PromptID, contracts.StatusExpired); err != nil {
				e.logger.Error("recovery mark expired", "prompt_id", rec.Event.PromptID, "error", err)
			}
		default:
			e.requeue(ctx, rec)
		}
	}
	if len(records) > 0 {
		e.logger.Info("restart recovery complete", "prompts", len(records))
	}
	return nil
}

// replayCommitted re-executes the already-committed action. The decision is
// final; policy is not consulted.
func (e *Engine) replayCommitted(ctx context.Context, rec *store.PromptRecord) {
	d := rec.Decision
	e.audit(ctx, audit.EventRecovery, rec.Event.SessionID, rec.Event.PromptID, map[string]any{
		"outcome": "replay",
		"action":  d.Action,
	})
	switch d.Action {
	case contracts.ActionAutoReply:
		e.inject(ctx, rec.Event, d.Value)
	case contracts.ActionDeny:
		if err := e.deps.Guard.MarkStatus(ctx, rec.Event.PromptID, contracts.StatusDenied); err != nil {
			e.logger.Error("recovery mark denied", "prompt_id", rec.Event.PromptID, "error", err)
		}
	default:
		// A committed record always carries an executable action; anything
		// else is corrupt.
		e.logger.Error("committed decision with non-executable action",
			"prompt_id", rec.Event.PromptID, "action", d.Action)
		if err := e.deps.Guard.MarkStatus(ctx, rec.Event.PromptID, contracts.StatusFailed); err != nil {
			e.logger.Error("recovery mark failed", "prompt_id", rec.Event.PromptID, "error", err)
		}
	}
}

// requeue puts an open, unexpired prompt back through evaluation under the
// policy active now, which may differ from the one before the crash.
func (e *Engine) requeue(ctx context.Context, rec *store.PromptRecord) {
	forceHuman := e.deps.KillSwitch.State() == killswitch.Paused
	e.audit(ctx, audit.EventRecovery, rec.Event.SessionID, rec.Event.PromptID, map[string]any{
		"outcome": "re-evaluate",
	})
	settled := e.waiter(rec.Event.PromptID)
	if err := e.enqueue(queueItem{ev: rec.Event, token: rec.Token, forceHuman: forceHuman, settled: settled}); err != nil {
		e.logger.Error("recovery enqueue", "prompt_id", rec.Event.PromptID, "error", err)
		e.settle(rec.Event.PromptID)
		return
	}
	e.startWatcher(rec.Event, rec.Token, settled)
}
