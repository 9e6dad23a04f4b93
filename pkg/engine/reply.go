package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/gate"
	"github.com/relaycore/relay/pkg/policy"
	"github.com/relaycore/relay/pkg/store"
)

// HandleReply processes one inbound human reply: gate first, then the same
// guarded commit autopilot uses. A rejected reply never touches the guard.
// The verdict's message is safe to echo back over the channel.
func (e *Engine) HandleReply(ctx context.Context, reply contracts.InboundReply) (gate.Verdict, contracts.CommitResult, error) {
	if e.group == nil {
		return gate.Verdict{}, contracts.CommitResult{}, ErrNotStarted
	}

	rc := gate.ReplyContext{Reply: reply, Now: e.clock().UTC()}
	if s, err := e.deps.Sessions.Get(reply.SessionID); err == nil {
		rc.Session = s
	}
	var rec *store.PromptRecord
	if r, err := e.deps.Guard.GetPrompt(ctx, reply.PromptID); err == nil {
		rec = r
		rc.Prompt = &r.Event
	} else if !errors.Is(err, store.ErrPromptNotFound) {
		return gate.Verdict{}, contracts.CommitResult{}, fmt.Errorf("engine: load prompt %s: %w", reply.PromptID, err)
	}

	verdict := e.deps.Gate.Evaluate(rc)
	if !verdict.Accepted {
		e.obs.RecordReplyRejected(ctx, string(verdict.Reason))
		e.audit(ctx, audit.EventReplyRejected, reply.SessionID, reply.PromptID, map[string]any{
			"identity": reply.Identity,
			"reason":   verdict.Reason,
		})
		return verdict, contracts.CommitResult{}, nil
	}

	d := contracts.Decision{
		PromptID:       reply.PromptID,
		SessionID:      reply.SessionID,
		Action:         contracts.ActionAutoReply,
		Value:          injectionValue(rec.Event, reply.Value),
		Source:         contracts.SourceHuman,
		IdempotencyKey: policy.IdempotencyKey(e.deps.Evaluator.PolicyHash(), reply.PromptID, reply.SessionID),
	}
	res, err := e.deps.Guard.Commit(ctx, reply.PromptID, reply.SessionID, rec.Token, d)
	if err != nil {
		return verdict, contracts.CommitResult{}, fmt.Errorf("engine: commit reply %s: %w", reply.PromptID, err)
	}
	e.trace(d, res.Applied)
	if !res.Applied {
		// Something else (autopilot, timeout, an earlier tap) already won.
		e.audit(ctx, audit.EventCommitRejected, reply.SessionID, reply.PromptID, res.Final)
		return verdict, res, nil
	}

	e.audit(ctx, audit.EventReplyAccepted, reply.SessionID, reply.PromptID, map[string]any{
		"identity": reply.Identity,
	})
	if err := e.deps.Guard.MarkStatus(ctx, reply.PromptID, contracts.StatusReplyReceived); err != nil {
		e.logger.Debug("reply mark skipped", "prompt_id", reply.PromptID, "reason", err)
	}
	e.inject(ctx, rec.Event, d.Value)
	e.settle(reply.PromptID)
	return verdict, res, nil
}

// injectionValue translates a gate-accepted reply into the literal bytes the
// supervised process expects for this prompt type.
func injectionValue(p contracts.PromptEvent, value string) string {
	trimmed := strings.TrimSpace(value)
	switch p.Type {
	case contracts.PromptYesNo:
		if strings.EqualFold(trimmed, "y") || strings.EqualFold(trimmed, "yes") {
			return "y\n"
		}
		return "n\n"
	case contracts.PromptConfirmEnter:
		return "\n"
	case contracts.PromptMultipleChoice:
		if n, err := strconv.Atoi(trimmed); err == nil {
			return strconv.Itoa(n) + "\n"
		}
		for i, c := range p.Choices {
			if strings.EqualFold(strings.TrimSpace(c), trimmed) {
				return strconv.Itoa(i+1) + "\n"
			}
		}
		return trimmed + "\n"
	default:
		return value + "\n"
	}
}
