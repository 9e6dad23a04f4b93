// Package observability wires OpenTelemetry tracing and metrics for the
// relay pipeline. Disabled by default; when enabled it exports over OTLP
// gRPC and registers itself as the global provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "relaycore.relay"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry off; deployments opt in.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "relay",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider holds the tracer plus the relay's pipeline meters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	promptsDetected metric.Int64Counter
	commitsApplied  metric.Int64Counter
	commitsRejected metric.Int64Counter
	repliesRejected metric.Int64Counter
	chainAppends    metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
	decisionLatency metric.Float64Histogram
}

// New creates the provider. With Enabled=false every recording method is a
// cheap no-op, so callers never branch on telemetry being on.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: meter provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.promptsDetected, err = p.meter.Int64Counter("relay.prompts.detected",
		metric.WithDescription("Prompts accepted past the detection threshold"),
		metric.WithUnit("{prompt}")); err != nil {
		return err
	}
	if p.commitsApplied, err = p.meter.Int64Counter("relay.commits.applied",
		metric.WithDescription("Guard commits that won their race"),
		metric.WithUnit("{commit}")); err != nil {
		return err
	}
	if p.commitsRejected, err = p.meter.Int64Counter("relay.commits.rejected",
		metric.WithDescription("Guard commits refused as duplicate, expired or cross-session"),
		metric.WithUnit("{commit}")); err != nil {
		return err
	}
	if p.repliesRejected, err = p.meter.Int64Counter("relay.replies.rejected",
		metric.WithDescription("Inbound replies refused by the channel gate"),
		metric.WithUnit("{reply}")); err != nil {
		return err
	}
	if p.chainAppends, err = p.meter.Int64Counter("relay.audit.appends",
		metric.WithDescription("Audit chain entries written"),
		metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if p.queueDepth, err = p.meter.Int64UpDownCounter("relay.queue.depth",
		metric.WithDescription("Prompts currently queued across sessions"),
		metric.WithUnit("{prompt}")); err != nil {
		return err
	}
	if p.decisionLatency, err = p.meter.Float64Histogram("relay.decision.duration",
		metric.WithDescription("Time from dequeue to commit attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// StartSpan starts a span on the relay tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordPromptDetected counts one accepted prompt.
func (p *Provider) RecordPromptDetected(ctx context.Context, promptType string) {
	if p.promptsDetected != nil {
		p.promptsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("prompt_type", promptType)))
	}
}

// RecordCommit counts one guard commit attempt by outcome.
func (p *Provider) RecordCommit(ctx context.Context, applied bool, source string) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	if applied {
		if p.commitsApplied != nil {
			p.commitsApplied.Add(ctx, 1, attrs)
		}
		return
	}
	if p.commitsRejected != nil {
		p.commitsRejected.Add(ctx, 1, attrs)
	}
}

// RecordReplyRejected counts one gate rejection.
func (p *Provider) RecordReplyRejected(ctx context.Context, reason string) {
	if p.repliesRejected != nil {
		p.repliesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordChainAppend counts one audit entry.
func (p *Provider) RecordChainAppend(ctx context.Context, eventType string) {
	if p.chainAppends != nil {
		p.chainAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

// QueueDepthDelta adjusts the cross-session queue depth gauge.
func (p *Provider) QueueDepthDelta(ctx context.Context, delta int64) {
	if p.queueDepth != nil {
		p.queueDepth.Add(ctx, delta)
	}
}

// RecordDecisionLatency records dequeue-to-commit latency.
func (p *Provider) RecordDecisionLatency(ctx context.Context, d time.Duration, action string) {
	if p.decisionLatency != nil {
		p.decisionLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("action", action)))
	}
}
