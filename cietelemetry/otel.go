// Package cietelemetry backs ciecore.Telemetry and ciecore.MetricsRegistry
// with OpenTelemetry, the way the teacher framework's telemetry package
// wires an OTelProvider into core.Telemetry. CIE's own packages never
// import this one directly — a process wires it up once at startup via
// ciecore.SetMetricsRegistry and cascade.WithTelemetry/llmcaller's logger
// options.
package cietelemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/owlthread/cie/ciecore"
)

// Provider implements ciecore.Telemetry on top of the OpenTelemetry SDK.
// Grounded on telemetry/otel.go's OTelProvider: one TracerProvider, batched
// export, a shutdown guard so spans started after Shutdown degrade to
// no-ops instead of panicking.
type Provider struct {
	tracer        trace.Tracer
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider

	mu       sync.RWMutex
	shutdown bool
}

// Config selects the trace exporter. Leave OTLPEndpoint empty to export
// spans to stdout instead — useful in development and in tests that want
// to see spans without standing up a collector.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317"; empty uses stdouttrace
}

// NewProvider builds a Provider. No metric reader or exporter is wired (the
// retrieval pack carries no OTLP metric exporter package), so measurements
// recorded through this MeterProvider's instruments (for example by an
// OTelMetricsRegistry built on it) are not collected or exported anywhere.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("cietelemetry: service name is required")
	}

	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cietelemetry: build resource: %w", err)
	}

	var traceExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("cietelemetry: build trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Provider{
		tracer:        tp.Tracer("cie"),
		traceProvider: tp,
		meterProvider: mp,
	}, nil
}

// StartSpan implements ciecore.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, ciecore.Span) {
	p.mu.RLock()
	if p.shutdown {
		p.mu.RUnlock()
		return ctx, ciecore.NoOpSpan{}
	}
	p.mu.RUnlock()

	spanCtx, span := p.tracer.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

// MeterProvider exposes the underlying metric.MeterProvider so
// NewOTelMetricsRegistry can build instruments from the same resource.
func (p *Provider) MeterProvider() *sdkmetric.MeterProvider { return p.meterProvider }

// Shutdown flushes and releases the underlying exporters. Safe to call
// once; a Provider is unusable afterward (StartSpan degrades to no-ops).
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.traceProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cietelemetry: shutdown trace provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cietelemetry: shutdown meter provider: %w", err)
	}
	return nil
}

// otelSpan adapts an OTel trace.Span to ciecore.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attributeFor(key, value))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func (s *otelSpan) End() {
	s.span.End()
}

var _ ciecore.Telemetry = (*Provider)(nil)
var _ ciecore.Span = (*otelSpan)(nil)
