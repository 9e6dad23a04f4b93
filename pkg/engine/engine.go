// Package engine wires the relay together: per-session bounded queues, the
// autopilot consumer loop, timeout watchers, the inbound reply handler and
// restart recovery. Workers communicate through the queues and the commit
// guard, never through shared mutable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/gate"
	"github.com/relaycore/relay/pkg/killswitch"
	"github.com/relaycore/relay/pkg/observability"
	"github.com/relaycore/relay/pkg/policy"
	"github.com/relaycore/relay/pkg/session"
	"github.com/relaycore/relay/pkg/store"
)

var (
	ErrQueueFull     = errors.New("session prompt queue is full")
	ErrEngineStopped = errors.New("engine is stopped")
	ErrNotStarted    = errors.New("engine not started")
)

// Guard is the slice of the decision store the engine depends on. The SQLite,
// Postgres and Redis-fronted stores all satisfy the commit contract; tests
// substitute a fake.
type Guard interface {
	CreatePrompt(ctx context.Context, ev contracts.PromptEvent) (token string, err error)
	Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error)
	CommitExpiry(ctx context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error)
	GetPrompt(ctx context.Context, promptID string) (*store.PromptRecord, error)
	MarkStatus(ctx context.Context, promptID string, to contracts.PromptStatus) error
	OpenPrompts(ctx context.Context) ([]store.PromptRecord, error)
}

// InjectionSink delivers decided bytes to the supervised process. Called only
// after a successful guard commit; a write failure is logged and never
// un-commits the decision.
type InjectionSink interface {
	Write(ctx context.Context, sessionID string, data []byte) error
}

// Notifier pushes notifications to the human channel. Delivery is
// fire-and-forget and never blocks a queue.
type Notifier interface {
	Notify(ctx context.Context, n contracts.Notification) error
}

// Auditor is the append slice of the audit chain.
type Auditor interface {
	Append(ctx context.Context, eventType audit.EventType, sessionID, promptID string, payload any) (*audit.Entry, error)
}

// Config tunes the engine.
type Config struct {
	// QueueCapacity bounds each per-session prompt queue. Default 64.
	QueueCapacity int
	// ExpiryGrace is added to expires_at before the timeout watcher fires.
	// Default 2s.
	ExpiryGrace time.Duration
	// NotifyRate / NotifyBurst rate limit channel notifications. Excess
	// notifications are dropped with a log line, never queued.
	NotifyRate  rate.Limit
	NotifyBurst int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 2 * time.Second
	}
	if c.NotifyRate <= 0 {
		c.NotifyRate = 5
	}
	if c.NotifyBurst <= 0 {
		c.NotifyBurst = 10
	}
	return c
}

// Deps are the engine's collaborators. Trace and Observability are optional;
// a nil Observability records into a disabled provider.
type Deps struct {
	Guard         Guard
	Evaluator     *policy.Evaluator
	Sessions      *session.Registry
	KillSwitch    *killswitch.Switch
	Chain         Auditor
	Trace         *audit.TraceWriter
	Observability *observability.Provider
	Gate          *gate.Gate
	Sink          InjectionSink
	Notifier      Notifier
}

type queueItem struct {
	ev         contracts.PromptEvent
	token      string
	forceHuman bool
	settled    chan struct{} // closed by settle() when the prompt resolves
}

// Engine is the autopilot core. One instance per process; all state is owned
// here and injected, never global.
type Engine struct {
	cfg  Config
	deps Deps

	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
	obs     *observability.Provider

	mu      sync.Mutex
	queues  map[string]chan queueItem
	waiters map[string]chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	drain    chan struct{} // closed by Shutdown; stops admission and wakes blocked workers
	stopOnce sync.Once
}

// New builds an engine. Call Start before feeding it prompts.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	obs := deps.Observability
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{})
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(cfg.NotifyRate, cfg.NotifyBurst),
		clock:   time.Now,
		logger:  slog.Default().With("component", "engine"),
		obs:     obs,
		queues:  make(map[string]chan queueItem),
		waiters: make(map[string]chan struct{}),
		drain:   make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Start spins up the worker group and runs restart recovery. The engine's
// lifetime is governed by Shutdown, not by the caller's context: a canceled
// parent must not abort a commit already in flight.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	if err := e.recover(e.ctx); err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}
	return nil
}

// Shutdown drains: admission stops immediately, each session consumer
// finishes the prompt it is working on, then the kill switch moves to
// STOPPED. Prompts still queued stay durable and replay through restart
// recovery. Idempotent.
func (e *Engine) Shutdown() error {
	if e.cancel == nil {
		return ErrNotStarted
	}
	e.stopOnce.Do(func() { close(e.drain) })
	err := e.group.Wait()
	e.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := e.deps.KillSwitch.Stop(); err != nil && !errors.Is(err, killswitch.ErrStopped) {
		return err
	}
	return nil
}

// HandlePrompt admits one detected prompt. The kill switch is consulted here
// and only here: PAUSED forces this prompt to a human, STOPPED rejects it.
func (e *Engine) HandlePrompt(ctx context.Context, ev contracts.PromptEvent) error {
	if e.group == nil {
		return ErrNotStarted
	}
	select {
	case <-e.drain:
		return ErrEngineStopped
	default:
	}
	forceHuman := false
	switch e.deps.KillSwitch.State() {
	case killswitch.Stopped:
		return ErrEngineStopped
	case killswitch.Paused:
		forceHuman = true
	}

	ev.Status = contracts.StatusCreated
	token, err := e.deps.Guard.CreatePrompt(ctx, ev)
	if err != nil {
		return fmt.Errorf("engine: persist prompt %s: %w", ev.PromptID, err)
	}
	e.audit(ctx, audit.EventPromptDetected, ev.SessionID, ev.PromptID, map[string]any{
		"prompt_type": ev.Type,
		"confidence":  ev.Confidence,
	})

	settled := e.waiter(ev.PromptID)
	if err := e.enqueue(queueItem{ev: ev, token: token, forceHuman: forceHuman, settled: settled}); err != nil {
		e.audit(ctx, audit.EventQueueOverflow, ev.SessionID, ev.PromptID, map[string]any{
			"capacity": e.cfg.QueueCapacity,
		})
		if markErr := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusCanceled); markErr != nil {
			e.logger.Error("cancel overflowed prompt", "prompt_id", ev.PromptID, "error", markErr)
		}
		e.logger.Error("prompt queue overflow",
			"session_id", ev.SessionID, "prompt_id", ev.PromptID, "capacity", e.cfg.QueueCapacity)
		e.settle(ev.PromptID)
		return err
	}

	e.startWatcher(ev, token, settled)
	return nil
}

// enqueue places the item on the session's bounded queue, spawning the
// session consumer on first use. A full queue rejects immediately.
func (e *Engine) enqueue(it queueItem) error {
	e.mu.Lock()
	ch, ok := e.queues[it.ev.SessionID]
	if !ok {
		ch = make(chan queueItem, e.cfg.QueueCapacity)
		e.queues[it.ev.SessionID] = ch
		e.group.Go(func() error { return e.consume(it.ev.SessionID, ch) })
	}
	e.mu.Unlock()

	select {
	case ch <- it:
		e.obs.QueueDepthDelta(e.ctx, 1)
		return nil
	default:
		return fmt.Errorf("%w: session %s", ErrQueueFull, it.ev.SessionID)
	}
}

// consume is the single consumer for one session: strictly one prompt at a
// time, in arrival order. On drain it finishes the prompt in hand and exits,
// leaving the rest of the queue durable for restart recovery.
func (e *Engine) consume(sessionID string, ch chan queueItem) error {
	for {
		select {
		case <-e.drain:
			return nil
		case <-e.ctx.Done():
			return e.ctx.Err()
		case it := <-ch:
			e.obs.QueueDepthDelta(e.ctx, -1)
			e.process(it)
		}
	}
}

// process runs one prompt through evaluation and the action-specific dequeue
// rule. Errors are absorbed and logged; the consumer never dies on one prompt.
func (e *Engine) process(it queueItem) {
	start := e.clock()
	ctx, span := e.obs.StartSpan(e.ctx, "relay.prompt")
	defer span.End()
	ev := it.ev

	// Recovered prompts may already be past CREATED; a refused transition
	// here is not an error.
	if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusRouted); err != nil {
		e.logger.Debug("route mark skipped", "prompt_id", ev.PromptID, "reason", err)
	}

	d := e.deps.Evaluator.Evaluate(ev, e.sessionContext(ev.SessionID))
	if it.forceHuman && d.Action != contracts.ActionRequireHuman {
		d.Overridden = true
		d.OriginalAction = d.Action
		d.Action = contracts.ActionRequireHuman
		d.Value = ""
	}
	e.audit(ctx, audit.EventDecision, ev.SessionID, ev.PromptID, d)
	e.obs.RecordDecisionLatency(ctx, e.clock().Sub(start), string(d.Action))

	switch d.Action {
	case contracts.ActionAutoReply:
		e.commitAndInject(ctx, ev, it.token, d)
	case contracts.ActionDeny:
		e.commitDenial(ctx, ev, it.token, d)
	case contracts.ActionNotifyOnly:
		e.notify(ev, fmt.Sprintf("Agent is waiting on input: %s", ev.Excerpt))
		if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusAwaitingReply); err != nil {
			e.logger.Error("mark awaiting", "prompt_id", ev.PromptID, "error", err)
		}
	case contracts.ActionRequireHuman:
		e.awaitHuman(ctx, ev, it.settled)
	}
}

// commitAndInject is the AUTO_REPLY path: guarded commit, then injection.
// Applied=false means a competing attempt already won; never re-execute.
func (e *Engine) commitAndInject(ctx context.Context, ev contracts.PromptEvent, token string, d contracts.Decision) {
	res, err := e.deps.Guard.Commit(ctx, ev.PromptID, ev.SessionID, token, d)
	if err != nil {
		e.logger.Error("commit", "prompt_id", ev.PromptID, "error", err)
		return
	}
	e.trace(d, res.Applied)
	if !res.Applied {
		e.audit(ctx, audit.EventCommitRejected, ev.SessionID, ev.PromptID, res.Final)
		e.settle(ev.PromptID)
		return
	}
	e.audit(ctx, audit.EventCommitApplied, ev.SessionID, ev.PromptID, d)
	e.inject(ctx, ev, d.Value)
	e.settle(ev.PromptID)
}

// commitDenial closes the record with a synthetic refusal and injects nothing.
func (e *Engine) commitDenial(ctx context.Context, ev contracts.PromptEvent, token string, d contracts.Decision) {
	res, err := e.deps.Guard.Commit(ctx, ev.PromptID, ev.SessionID, token, d)
	if err != nil {
		e.logger.Error("commit denial", "prompt_id", ev.PromptID, "error", err)
		return
	}
	e.trace(d, res.Applied)
	if res.Applied {
		e.audit(ctx, audit.EventCommitApplied, ev.SessionID, ev.PromptID, d)
		if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusDenied); err != nil {
			e.logger.Error("mark denied", "prompt_id", ev.PromptID, "error", err)
		}
	} else {
		e.audit(ctx, audit.EventCommitRejected, ev.SessionID, ev.PromptID, res.Final)
	}
	e.settle(ev.PromptID)
}

// awaitHuman notifies the channel and blocks this session's queue until a
// reply is committed or the prompt expires. The wait is the dequeue rule for
// REQUIRE_HUMAN, not a lock: other sessions proceed independently.
func (e *Engine) awaitHuman(ctx context.Context, ev contracts.PromptEvent, settled chan struct{}) {
	if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusAwaitingReply); err != nil {
		e.logger.Error("mark awaiting", "prompt_id", ev.PromptID, "error", err)
		return
	}
	e.notify(ev, fmt.Sprintf("Agent needs your input: %s", ev.Excerpt))
	select {
	case <-settled:
	case <-e.drain:
	case <-ctx.Done():
	}
}

// inject delivers the decided bytes. Failure is logged; the decision stays
// committed, there is no rollback of a completed commit.
func (e *Engine) inject(ctx context.Context, ev contracts.PromptEvent, value string) {
	if err := e.deps.Sink.Write(ctx, ev.SessionID, []byte(value)); err != nil {
		e.logger.Error("injection write failed",
			"session_id", ev.SessionID, "prompt_id", ev.PromptID, "error", err)
		if markErr := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusFailed); markErr != nil {
			e.logger.Error("mark failed", "prompt_id", ev.PromptID, "error", markErr)
		}
		return
	}
	if err := e.deps.Guard.MarkStatus(ctx, ev.PromptID, contracts.StatusInjected); err != nil {
		e.logger.Error("mark injected", "prompt_id", ev.PromptID, "error", err)
	}
	e.audit(ctx, audit.EventInjection, ev.SessionID, ev.PromptID, map[string]any{"bytes": len(value)})
	e.flushQueuedMessages(ctx, ev.SessionID)
}

// flushQueuedMessages drains messages buffered while the session was blocked.
func (e *Engine) flushQueuedMessages(ctx context.Context, sessionID string) {
	msgs, err := e.deps.Sessions.Drain(sessionID)
	if err != nil || len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		if err := e.deps.Sink.Write(ctx, sessionID, []byte(m)); err != nil {
			e.logger.Error("flush queued message", "session_id", sessionID, "error", err)
			return
		}
	}
}

// notify sends a rate-limited, fire-and-forget channel push.
func (e *Engine) notify(ev contracts.PromptEvent, text string) {
	if !e.limiter.Allow() {
		e.logger.Warn("notification dropped by rate limit",
			"session_id", ev.SessionID, "prompt_id", ev.PromptID)
		return
	}
	n := contracts.Notification{SessionID: ev.SessionID, PromptID: ev.PromptID, Text: text}
	e.group.Go(func() error {
		if err := e.deps.Notifier.Notify(e.ctx, n); err != nil {
			e.logger.Warn("notification send failed",
				"session_id", n.SessionID, "prompt_id", n.PromptID, "error", err)
		}
		return nil
	})
}

func (e *Engine) sessionContext(sessionID string) policy.SessionContext {
	s, err := e.deps.Sessions.Get(sessionID)
	if err != nil {
		return policy.SessionContext{}
	}
	return policy.SessionContext{Tags: s.Tags, Tool: s.Tool}
}

// waiter registers the per-prompt settle channel. Called once per prompt at
// admission (or requeue); everyone downstream shares the returned channel
// instead of looking it up again, so settle can delete the entry outright.
func (e *Engine) waiter(promptID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiters[promptID]
	if !ok {
		w = make(chan struct{})
		e.waiters[promptID] = w
	}
	return w
}

// settle wakes everything blocked on a prompt and forgets its channel.
// Later calls for the same prompt are no-ops; nothing accumulates.
func (e *Engine) settle(promptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.waiters[promptID]; ok {
		close(w)
		delete(e.waiters, promptID)
	}
}

func (e *Engine) audit(ctx context.Context, et audit.EventType, sessionID, promptID string, payload any) {
	if _, err := e.deps.Chain.Append(ctx, et, sessionID, promptID, payload); err != nil {
		e.logger.Error("audit append failed", "event_type", et, "prompt_id", promptID, "error", err)
		return
	}
	e.obs.RecordChainAppend(ctx, string(et))
}

func (e *Engine) trace(d contracts.Decision, applied bool) {
	e.obs.RecordCommit(e.ctx, applied, string(d.Source))
	if e.deps.Trace == nil {
		return
	}
	rec := audit.TraceRecord{
		Timestamp:      e.clock().UTC(),
		PromptID:       d.PromptID,
		SessionID:      d.SessionID,
		Action:         d.Action,
		Source:         d.Source,
		MatchedRuleID:  d.MatchedRuleID,
		IdempotencyKey: d.IdempotencyKey,
		Applied:        applied,
		Overridden:     d.Overridden,
		PolicyHash:     e.deps.Evaluator.PolicyHash(),
	}
	if err := e.deps.Trace.Write(rec); err != nil {
		e.logger.Error("decision trace write failed", "prompt_id", d.PromptID, "error", err)
	}
}
