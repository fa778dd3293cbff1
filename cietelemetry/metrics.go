package cietelemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/owlthread/cie/ciecore"
)

// OTelMetricsRegistry implements ciecore.MetricsRegistry, caching one
// instrument per metric name the way telemetry/metrics.go's
// MetricInstruments does (first call creates it under a write lock,
// every later call reuses it under a read lock).
type OTelMetricsRegistry struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64UpDownCounter

	gaugeMu   sync.Mutex
	gaugeLast map[string]float64
}

// NewOTelMetricsRegistry builds a registry backed by meterName's Meter from
// the given MeterProvider.
func NewOTelMetricsRegistry(provider metric.MeterProvider, meterName string) *OTelMetricsRegistry {
	return &OTelMetricsRegistry{
		meter:      provider.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64UpDownCounter),
		gaugeLast:  make(map[string]float64),
	}
}

func labelsToAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// gaugeLastKey identifies a gauge's last-recorded value by name and labels.
// labels are joined verbatim (not sorted): every ciecore.EmitGauge call site
// passes its label pairs in a fixed order, so this never needs to normalize.
func gaugeLastKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "\x00" + strings.Join(labels, "\x00")
}

// Counter implements ciecore.MetricsRegistry. labels are interpreted as
// alternating key/value pairs, matching every ciecore.EmitCounter call site
// in cascade/ciecache/llmcaller.
func (r *OTelMetricsRegistry) Counter(name string, labels ...string) {
	counter, err := r.counterFor(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(labelsToAttributes(labels)...))
}

func (r *OTelMetricsRegistry) counterFor(name string) (metric.Int64Counter, error) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("cietelemetry: create counter %s: %w", name, err)
	}
	r.counters[name] = c
	return c, nil
}

// Histogram implements ciecore.MetricsRegistry.
func (r *OTelMetricsRegistry) Histogram(name string, value float64, labels ...string) {
	h, err := r.histogramFor(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(labelsToAttributes(labels)...))
}

func (r *OTelMetricsRegistry) histogramFor(name string) (metric.Float64Histogram, error) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("cietelemetry: create histogram %s: %w", name, err)
	}
	r.histograms[name] = h
	return h, nil
}

// Gauge implements ciecore.MetricsRegistry using a Float64UpDownCounter: the
// instrument only ever records deltas, so Gauge tracks the last value it
// recorded under the same name+labels and adds just the difference, giving
// callers set-to-value semantics (core/agent.go:330's
// registry.Gauge("agent.capabilities.count", float64(len(b.Capabilities)))
// expects the reported level to replace, not accumulate on top of, the
// previous one).
func (r *OTelMetricsRegistry) Gauge(name string, value float64, labels ...string) {
	g, err := r.gaugeFor(name)
	if err != nil {
		return
	}

	key := gaugeLastKey(name, labels)
	r.gaugeMu.Lock()
	delta := value - r.gaugeLast[key]
	r.gaugeLast[key] = value
	r.gaugeMu.Unlock()

	g.Add(context.Background(), delta, metric.WithAttributes(labelsToAttributes(labels)...))
}

func (r *OTelMetricsRegistry) gaugeFor(name string) (metric.Float64UpDownCounter, error) {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g, nil
	}
	g, err := r.meter.Float64UpDownCounter(name)
	if err != nil {
		return nil, fmt.Errorf("cietelemetry: create gauge %s: %w", name, err)
	}
	r.gauges[name] = g
	return g, nil
}

var _ ciecore.MetricsRegistry = (*OTelMetricsRegistry)(nil)
