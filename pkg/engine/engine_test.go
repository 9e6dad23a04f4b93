package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/gate"
	"github.com/relaycore/relay/pkg/killswitch"
	"github.com/relaycore/relay/pkg/observability"
	"github.com/relaycore/relay/pkg/policy"
	"github.com/relaycore/relay/pkg/session"
	"github.com/relaycore/relay/pkg/store"
)

// The production stores satisfy the engine's guard slice.
var (
	_ Guard = (*store.Store)(nil)
	_ Guard = (*store.PostgresStore)(nil)
	_ Guard = (*store.FrontedStore)(nil)
)

const engineBundle = `
version: 1.0.0
name: engine-test
defaults:
  no_match: REQUIRE_HUMAN
  low_confidence: REQUIRE_HUMAN
rules:
  - id: auto-yes
    match:
      type: YES_NO
    action: AUTO_REPLY
    value: "y\n"
  - id: deny-danger
    match:
      type: FREE_TEXT
      excerpt_contains: "rm -rf"
    action: DENY
`

// fakeGuard is an in-memory guard with the same at-most-once semantics as the
// SQLite store, including TTL and session binding.
type fakeGuard struct {
	mu    sync.Mutex
	clock func() time.Time
	recs  map[string]*store.PromptRecord
}

func newFakeGuard(clock func() time.Time) *fakeGuard {
	return &fakeGuard{clock: clock, recs: map[string]*store.PromptRecord{}}
}

func (g *fakeGuard) CreatePrompt(_ context.Context, ev contracts.PromptEvent) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	token := "tok-" + ev.PromptID
	g.recs[ev.PromptID] = &store.PromptRecord{Event: ev, Token: token}
	return token, nil
}

func (g *fakeGuard) Commit(_ context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return g.commit(promptID, sessionID, token, d, false)
}

func (g *fakeGuard) CommitExpiry(_ context.Context, promptID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	return g.commit(promptID, d.SessionID, token, d, true)
}

func (g *fakeGuard) commit(promptID, sessionID, token string, d contracts.Decision, allowExpired bool) (contracts.CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[promptID]
	if !ok {
		return contracts.CommitResult{}, nil
	}
	open := rec.Decision == nil && rec.Token == token && rec.Event.SessionID == sessionID
	if !allowExpired {
		open = open && g.clock().Before(rec.Event.ExpiresAt)
	}
	if !open {
		return contracts.CommitResult{Final: rec.Decision}, nil
	}
	now := g.clock()
	dc := d
	rec.Decision = &dc
	rec.ClosedAt = &now
	return contracts.CommitResult{Applied: true, Final: &dc}, nil
}

func (g *fakeGuard) GetPrompt(_ context.Context, promptID string) (*store.PromptRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[promptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrPromptNotFound, promptID)
	}
	cp := *rec
	return &cp, nil
}

func (g *fakeGuard) MarkStatus(_ context.Context, promptID string, to contracts.PromptStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[promptID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrPromptNotFound, promptID)
	}
	if err := contracts.ValidateTransition(rec.Event.Status, to); err != nil {
		return err
	}
	rec.Event.Status = to
	return nil
}

func (g *fakeGuard) OpenPrompts(context.Context) ([]store.PromptRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.PromptRecord
	for _, rec := range g.recs {
		if !rec.Event.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.CreatedAt.Before(out[j].Event.CreatedAt) })
	return out, nil
}

func (g *fakeGuard) status(promptID string) contracts.PromptStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recs[promptID].Event.Status
}

type injection struct {
	sessionID string
	value     string
}

type fakeSink struct {
	mu     sync.Mutex
	writes []injection
}

func (s *fakeSink) Write(_ context.Context, sessionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, injection{sessionID, string(data)})
	return nil
}

func (s *fakeSink) all() []injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]injection(nil), s.writes...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []contracts.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note contracts.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, note)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

type memAuditor struct {
	mu     sync.Mutex
	events []audit.EventType
}

func (a *memAuditor) Append(_ context.Context, et audit.EventType, _, _ string, _ any) (*audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, et)
	return &audit.Entry{EventType: et}, nil
}

func (a *memAuditor) has(et audit.EventType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == et {
			return true
		}
	}
	return false
}

type harness struct {
	engine   *Engine
	guard    *fakeGuard
	sink     *fakeSink
	notifier *fakeNotifier
	auditor  *memAuditor
	ksw      *killswitch.Switch
	sessions *session.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith lets a test decorate the in-memory guard, for instance to
// hold a commit on a barrier.
func newHarnessWith(t *testing.T, cfg Config, wrap func(*fakeGuard) Guard) *harness {
	t.Helper()
	pol, err := policy.Parse([]byte(engineBundle))
	require.NoError(t, err)

	h := &harness{
		guard:    newFakeGuard(time.Now),
		sink:     &fakeSink{},
		notifier: &fakeNotifier{},
		auditor:  &memAuditor{},
		ksw:      killswitch.Load(filepath.Join(t.TempDir(), "ks.json")),
		sessions: session.NewRegistry(),
	}
	_, err = h.sessions.Register("s1", "claude", nil)
	require.NoError(t, err)

	var g Guard = h.guard
	if wrap != nil {
		g = wrap(h.guard)
	}
	obs, err := observability.New(context.Background(), nil)
	require.NoError(t, err)

	h.engine = New(cfg, Deps{
		Guard:         g,
		Evaluator:     policy.NewEvaluator(pol, policy.ModeFull),
		Sessions:      h.sessions,
		KillSwitch:    h.ksw,
		Chain:         h.auditor,
		Observability: obs,
		Gate:          gate.New(gate.Config{AllowedIdentities: []string{"alice"}, AllowFreeText: true}),
		Sink:          h.sink,
		Notifier:      h.notifier,
	})
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, h.engine.Shutdown()) })
	return h
}

func prompt(id string, ptype contracts.PromptType, excerpt string, ttl time.Duration) contracts.PromptEvent {
	now := time.Now().UTC()
	return contracts.PromptEvent{
		PromptID:    id,
		SessionID:   "s1",
		Type:        ptype,
		Confidence:  0.85,
		Excerpt:     excerpt,
		SafeDefault: "n\n",
		Status:      contracts.StatusCreated,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestEngine_AutoReplyFlow(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Minute)))

	waitFor(t, func() bool { return len(h.sink.all()) == 1 }, "auto reply injected")
	assert.Equal(t, injection{"s1", "y\n"}, h.sink.all()[0])
	waitFor(t, func() bool { return h.guard.status("p1") == contracts.StatusInjected }, "prompt injected")
	assert.True(t, h.auditor.has(audit.EventCommitApplied))
	assert.True(t, h.auditor.has(audit.EventInjection))
}

func TestEngine_DenyFlow(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptFreeText, "run rm -rf /tmp/build?", time.Minute)))

	waitFor(t, func() bool { return h.guard.status("p1") == contracts.StatusDenied }, "prompt denied")
	assert.Empty(t, h.sink.all(), "denials inject nothing")
}

func TestEngine_QueueOverflowRejects65th(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{QueueCapacity: 64, ExpiryGrace: time.Minute})

	// Block the consumer on a human prompt so the queue backs up behind it.
	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("blocker", contracts.PromptUnknown, "??", time.Hour)))
	waitFor(t, func() bool {
		return h.guard.status("blocker") == contracts.StatusAwaitingReply
	}, "consumer parked on the blocking prompt")

	for i := 0; i < 64; i++ {
		require.NoError(t, h.engine.HandlePrompt(context.Background(),
			prompt(fmt.Sprintf("p%02d", i), contracts.PromptYesNo, "ok?", time.Hour)))
	}
	err := h.engine.HandlePrompt(context.Background(),
		prompt("p64", contracts.PromptYesNo, "ok?", time.Hour))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, h.auditor.has(audit.EventQueueOverflow))
	assert.Equal(t, contracts.StatusCanceled, h.guard.status("p64"))

	// Unblock and verify the first 64 drain in arrival order.
	_, res, err := h.engine.HandleReply(context.Background(), contracts.InboundReply{
		PromptID: "blocker", SessionID: "s1", Identity: "alice", Value: "skip it",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	waitFor(t, func() bool { return len(h.sink.all()) == 65 }, "all queued prompts drained")
	writes := h.sink.all()
	for i := 0; i < 64; i++ {
		assert.Equal(t, "y\n", writes[i+1].value)
	}
	for i := 0; i < 64; i++ {
		assert.Equal(t, contracts.StatusInjected, h.guard.status(fmt.Sprintf("p%02d", i)))
	}
}

func TestEngine_PausedForcesNextPromptToHuman(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{ExpiryGrace: time.Minute})

	require.NoError(t, h.ksw.Pause())
	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Hour)))

	waitFor(t, func() bool {
		return h.guard.status("p1") == contracts.StatusAwaitingReply
	}, "matched AUTO_REPLY forced to human while paused")
	waitFor(t, func() bool { return h.notifier.count() == 1 }, "human notified")
	assert.Empty(t, h.sink.all())

	rec, err := h.guard.GetPrompt(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, rec.Decision, "nothing committed while awaiting the human")

	// Resolve it so shutdown does not wait on the consumer.
	_, res, err := h.engine.HandleReply(context.Background(), contracts.InboundReply{
		PromptID: "p1", SessionID: "s1", Identity: "alice", Value: "yes",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, contracts.SourceHuman, res.Final.Source)
}

func TestEngine_StoppedRejectsAdmission(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{})

	require.NoError(t, h.ksw.Stop())
	err := h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "ok?", time.Minute))
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_TimeoutInjectsSafeDefault(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{ExpiryGrace: 10 * time.Millisecond})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptUnknown, "??", 20*time.Millisecond)))

	waitFor(t, func() bool { return h.guard.status("p1") == contracts.StatusExpired }, "prompt expired")
	waitFor(t, func() bool { return len(h.sink.all()) == 1 }, "safe default injected")
	assert.Equal(t, "n\n", h.sink.all()[0].value)

	rec, err := h.guard.GetPrompt(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, rec.Decision)
	assert.Equal(t, contracts.SourceTimeoutDefault, rec.Decision.Source)

	// A late reply loses to the timeout default.
	_, res, err := h.engine.HandleReply(context.Background(), contracts.InboundReply{
		PromptID: "p1", SessionID: "s1", Identity: "alice", Value: "yes",
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestEngine_ReplyGateRejectionNeverCommits(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{ExpiryGrace: time.Minute})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptUnknown, "??", time.Hour)))
	waitFor(t, func() bool {
		return h.guard.status("p1") == contracts.StatusAwaitingReply
	}, "prompt awaiting reply")

	v, res, err := h.engine.HandleReply(context.Background(), contracts.InboundReply{
		PromptID: "p1", SessionID: "s1", Identity: "mallory", Value: "yes",
	})
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.False(t, res.Applied)
	assert.True(t, h.auditor.has(audit.EventReplyRejected))

	rec, err := h.guard.GetPrompt(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, rec.Decision)

	_, res, err = h.engine.HandleReply(context.Background(), contracts.InboundReply{
		PromptID: "p1", SessionID: "s1", Identity: "alice", Value: "sounds good",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func TestEngine_RecoveryReplaysCommittedWithoutReDeciding(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	pol, err := policy.Parse([]byte(engineBundle))
	require.NoError(t, err)

	guard := newFakeGuard(time.Now)
	ev := prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Hour)
	_, err = guard.CreatePrompt(context.Background(), ev)
	require.NoError(t, err)

	// Crash happened after commit, before injection acknowledgement: the
	// record is closed but the prompt never reached a terminal status.
	res, err := guard.Commit(context.Background(), "p1", "s1", "tok-p1", contracts.Decision{
		PromptID: "p1", SessionID: "s1",
		Action: contracts.ActionAutoReply, Value: "y\n",
		Source: contracts.SourceAutopilot, IdempotencyKey: "k",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	sink := &fakeSink{}
	auditor := &memAuditor{}
	sessions := session.NewRegistry()
	_, err = sessions.Register("s1", "claude", nil)
	require.NoError(t, err)

	eng := New(Config{}, Deps{
		Guard:      guard,
		Evaluator:  policy.NewEvaluator(pol, policy.ModeFull),
		Sessions:   sessions,
		KillSwitch: killswitch.Load(filepath.Join(t.TempDir(), "ks.json")),
		Chain:      auditor,
		Gate:       gate.New(gate.Config{}),
		Sink:       sink,
		Notifier:   &fakeNotifier{},
	})
	require.NoError(t, eng.Start(context.Background()))
	defer func() { require.NoError(t, eng.Shutdown()) }()

	waitFor(t, func() bool { return len(sink.all()) == 1 }, "committed action re-executed")
	assert.Equal(t, "y\n", sink.all()[0].value)
	assert.Equal(t, contracts.StatusInjected, guard.status("p1"))
	assert.True(t, auditor.has(audit.EventRecovery))

	rec, err := guard.GetPrompt(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "k", rec.Decision.IdempotencyKey, "recovery never re-decides")
}

func TestEngine_RecoveryExpiresStalePrompts(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	pol, err := policy.Parse([]byte(engineBundle))
	require.NoError(t, err)

	guard := newFakeGuard(time.Now)
	ev := prompt("p1", contracts.PromptYesNo, "continue?", time.Hour)
	ev.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	ev.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	_, err = guard.CreatePrompt(context.Background(), ev)
	require.NoError(t, err)

	sessions := session.NewRegistry()
	_, err = sessions.Register("s1", "claude", nil)
	require.NoError(t, err)

	eng := New(Config{}, Deps{
		Guard:      guard,
		Evaluator:  policy.NewEvaluator(pol, policy.ModeFull),
		Sessions:   sessions,
		KillSwitch: killswitch.Load(filepath.Join(t.TempDir(), "ks.json")),
		Chain:      &memAuditor{},
		Gate:       gate.New(gate.Config{}),
		Sink:       &fakeSink{},
		Notifier:   &fakeNotifier{},
	})
	require.NoError(t, eng.Start(context.Background()))
	defer func() { require.NoError(t, eng.Shutdown()) }()

	assert.Equal(t, contracts.StatusExpired, guard.status("p1"))
}

// gatedGuard parks every Commit on a barrier so a test can hold one in
// flight and act while it is pending.
type gatedGuard struct {
	*fakeGuard
	entered chan string
	release chan struct{}
}

func (g *gatedGuard) Commit(ctx context.Context, promptID, sessionID, token string, d contracts.Decision) (contracts.CommitResult, error) {
	g.entered <- promptID
	<-g.release
	return g.fakeGuard.Commit(ctx, promptID, sessionID, token, d)
}

func TestEngine_PauseMidCommitFinishesInFlightPrompt(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	gated := &gatedGuard{entered: make(chan string, 4), release: make(chan struct{})}
	h := newHarnessWith(t, Config{ExpiryGrace: time.Minute}, func(g *fakeGuard) Guard {
		gated.fakeGuard = g
		return gated
	})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Hour)))
	require.Equal(t, "p1", <-gated.entered, "commit in flight")

	// Pause lands while p1's commit is pending; it must not abort it.
	require.NoError(t, h.ksw.Pause())
	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p2", contracts.PromptYesNo, "continue? (y/n)", time.Hour)))

	close(gated.release)

	waitFor(t, func() bool { return h.guard.status("p1") == contracts.StatusInjected },
		"in-flight prompt completed despite the pause")
	require.NotEmpty(t, h.sink.all())
	assert.Equal(t, injection{"s1", "y\n"}, h.sink.all()[0])

	waitFor(t, func() bool { return h.guard.status("p2") == contracts.StatusAwaitingReply },
		"next prompt routed to the human")
	rec, err := h.guard.GetPrompt(context.Background(), "p2")
	require.NoError(t, err)
	assert.Nil(t, rec.Decision, "nothing committed for the paused prompt")
}

func TestEngine_ShutdownFinishesInFlightCommit(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	gated := &gatedGuard{entered: make(chan string, 4), release: make(chan struct{})}
	h := newHarnessWith(t, Config{ExpiryGrace: time.Minute}, func(g *fakeGuard) Guard {
		gated.fakeGuard = g
		return gated
	})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Hour)))
	require.Equal(t, "p1", <-gated.entered)

	done := make(chan error, 1)
	go func() { done <- h.engine.Shutdown() }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned before the in-flight commit finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-done)

	assert.Equal(t, contracts.StatusInjected, h.guard.status("p1"), "in-flight prompt completed")
	require.Len(t, h.sink.all(), 1)
	assert.Equal(t, "y\n", h.sink.all()[0].value)
	assert.Equal(t, killswitch.Stopped, h.ksw.State(), "graceful stop lands on STOPPED")

	err := h.engine.HandlePrompt(context.Background(),
		prompt("p2", contracts.PromptYesNo, "ok?", time.Hour))
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_SettledPromptsLeaveNoWaiters(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h := newHarness(t, Config{ExpiryGrace: 10 * time.Millisecond})

	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p1", contracts.PromptYesNo, "continue? (y/n)", time.Minute)))
	require.NoError(t, h.engine.HandlePrompt(context.Background(),
		prompt("p2", contracts.PromptUnknown, "??", 20*time.Millisecond)))

	waitFor(t, func() bool { return h.guard.status("p1") == contracts.StatusInjected }, "auto reply settled")
	waitFor(t, func() bool { return h.guard.status("p2") == contracts.StatusExpired }, "timeout settled")

	waitFor(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.waiters) == 0
	}, "no waiter entries survive settlement")

	// A straggling duplicate settle stores nothing either.
	h.engine.settle("p2")
	h.engine.mu.Lock()
	n := len(h.engine.waiters)
	h.engine.mu.Unlock()
	assert.Zero(t, n)
}
