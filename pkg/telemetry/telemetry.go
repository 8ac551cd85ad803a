// Package telemetry wires optional OpenTelemetry tracing for the
// dispatcher and write pipeline. It is off by default and never dials
// out unless an OTLP endpoint is explicitly configured: the kernel
// makes no network calls on its own.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how tracing is enabled.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

// Provider holds the process-wide tracer, which is a no-op tracer when
// tracing is disabled.
type Provider struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NoopProvider returns a Provider whose tracer never emits spans
// anywhere, used whenever Config.Enabled is false.
func NoopProvider() *Provider {
	return &Provider{
		tracer:   otel.Tracer("sentryd/noop"),
		shutdown: func(context.Context) error { return nil },
	}
}

// NewProvider builds a real OTLP-exporting provider. Call Shutdown
// during graceful server shutdown to flush pending spans.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return NoopProvider(), nil
	}
	if cfg.OTLPEndpoint == "" {
		return nil, fmt.Errorf("telemetry: OTLP endpoint required when tracing is enabled")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tracer:   tp.Tracer(cfg.ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}

// StartSpan begins a span named name, returning the derived context and
// an end function the caller must invoke when the traced operation
// finishes.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Shutdown flushes and releases any exporter resources. It is safe to
// call on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
