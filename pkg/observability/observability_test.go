package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_TelemetryOffByDefault(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "relay", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestNew_DisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Every recording method must be a safe no-op when disabled.
	ctx := context.Background()
	p.RecordPromptDetected(ctx, "YES_NO")
	p.RecordCommit(ctx, true, "autopilot")
	p.RecordCommit(ctx, false, "human")
	p.RecordReplyRejected(ctx, "identity_denied")
	p.RecordChainAppend(ctx, "decision")
	p.QueueDepthDelta(ctx, 1)
	p.QueueDepthDelta(ctx, -1)
	p.RecordDecisionLatency(ctx, 5*time.Millisecond, "AUTO_REPLY")

	_, span := p.StartSpan(ctx, "relay.test")
	span.End()

	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, p.config.Enabled)
}
