package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycore/relay/pkg/audit"
	"github.com/relaycore/relay/pkg/config"
	"github.com/relaycore/relay/pkg/contracts"
	"github.com/relaycore/relay/pkg/detector"
	"github.com/relaycore/relay/pkg/engine"
	"github.com/relaycore/relay/pkg/gate"
	"github.com/relaycore/relay/pkg/killswitch"
	"github.com/relaycore/relay/pkg/observability"
	"github.com/relaycore/relay/pkg/policy"
	"github.com/relaycore/relay/pkg/session"
	"github.com/relaycore/relay/pkg/store"
)

const localSession = "local"

// stdoutSink injects decided bytes on stdout, where the supervised process's
// stdin is expected to be attached. PTY plumbing lives outside the core.
type stdoutSink struct{}

func (stdoutSink) Write(_ context.Context, _ string, data []byte) error {
	_, err := os.Stdout.Write(data)
	return err
}

// logNotifier stands in for a chat transport: notifications are logged. Real
// deployments replace this with their channel adapter.
type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(_ context.Context, note contracts.Notification) error {
	n.logger.Info("notification", "session_id", note.SessionID, "prompt_id", note.PromptID, "text", note.Text)
	return nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Supervise a process on stdin and govern its prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "relay",
		Enabled:      cfg.OTLPEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	guard, auditDB, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	chain, err := audit.NewChain(auditDB)
	if err != nil {
		return err
	}
	trace, err := audit.NewTraceWriter(cfg.TracePath)
	if err != nil {
		return err
	}
	defer func() { _ = trace.Close() }()

	pol, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	mode, err := policy.ParseMode(cfg.AutonomyMode)
	if err != nil {
		return err
	}
	eval := policy.NewEvaluator(pol, mode)

	ksw := killswitch.Load(cfg.KillSwitchPath)
	if ksw.State() == killswitch.Stopped {
		// A persisted STOPPED is the previous instance's terminal marker;
		// starting the relay is the operator's restart.
		if err := ksw.Reset(); err != nil {
			return err
		}
	}
	sessions := session.NewRegistry()
	if _, err := sessions.Register(localSession, "stdin", nil); err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		QueueCapacity: cfg.QueueCapacity,
		ExpiryGrace:   cfg.ExpiryGrace,
	}, engine.Deps{
		Guard:         guard,
		Evaluator:     eval,
		Sessions:      sessions,
		KillSwitch:    ksw,
		Chain:         chain,
		Trace:         trace,
		Observability: obs,
		Gate:          gate.New(gate.Config{AllowedIdentities: cfg.AllowedIdentities, AllowFreeText: cfg.AllowFreeText}),
		Sink:          stdoutSink{},
		Notifier:      logNotifier{logger: slog.Default().With("component", "notifier")},
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := policy.NewWatcher(cfg.PolicyPath, eval).Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("policy watcher stopped", "error", err)
		}
	}()

	slog.Info("relay running",
		"policy_hash", eval.PolicyHash(), "mode", cfg.AutonomyMode, "db", cfg.DatabasePath)

	readLoop(ctx, cfg, obs, eng)

	if err := eng.Shutdown(); err != nil {
		return err
	}
	slog.Info("relay stopped")
	return nil
}

// openStores selects the prompt guard from config: DatabaseURL picks the
// shared Postgres store, otherwise the embedded SQLite store; RedisAddr
// layers the cross-process commit front on top of either. The audit chain
// always lives in the local SQLite file.
func openStores(cfg *config.Config) (engine.Guard, *sql.DB, func(), error) {
	local, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, err
	}
	var backend store.Backend = local
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			_ = local.Close()
			return nil, nil, nil, err
		}
		backend = pg
	}
	var guard engine.Guard = backend
	if cfg.RedisAddr != "" {
		guard = store.NewFronted(backend, store.NewRedisGuard(cfg.RedisAddr, "", 0))
	}
	closeAll := func() {
		if cfg.DatabaseURL != "" {
			_ = backend.Close()
		}
		_ = local.Close()
	}
	return guard, local.DB(), closeAll, nil
}

// readLoop feeds supervised output into the detector and admits accepted
// prompts. The stall ticker drives the third detection layer.
func readLoop(ctx context.Context, cfg *config.Config, obs *observability.Provider, eng *engine.Engine) {
	det := detector.New(localSession, detector.Config{
		StallTimeout: cfg.StallTimeout,
		Threshold:    cfg.Threshold,
		PromptTTL:    cfg.PromptTTL,
	})

	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		reader := bufio.NewReader(os.Stdin)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	stall := time.NewTicker(cfg.StallTimeout / 2)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stall.C:
			if ev := det.CheckStall(); ev != nil {
				admit(ctx, obs, eng, *ev)
			}
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			for _, ev := range det.Feed(chunk) {
				admit(ctx, obs, eng, ev)
			}
		}
	}
}

func admit(ctx context.Context, obs *observability.Provider, eng *engine.Engine, ev contracts.PromptEvent) {
	obs.RecordPromptDetected(ctx, string(ev.Type))
	if err := eng.HandlePrompt(ctx, ev); err != nil {
		slog.Error("prompt not admitted", "prompt_id", ev.PromptID, "error", err)
	}
}
