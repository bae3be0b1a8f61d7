// Package telemetry exposes the gateway's OpenTelemetry metrics through a
// Prometheus exporter.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	requests      metric.Int64Counter
	hotLoads      metric.Int64Counter
	jobsCompleted metric.Int64Counter
}

// New wires a Prometheus-backed meter provider and the gateway's counters.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/agenr-ai/agenr")

	m := &Metrics{provider: provider, registry: reg}

	m.requests, err = meter.Int64Counter("agp_requests_total",
		metric.WithDescription("AGP verb invocations by verb and outcome"))
	if err != nil {
		return nil, err
	}
	m.hotLoads, err = meter.Int64Counter("adapter_hot_loads_total",
		metric.WithDescription("Adapter hot-loads by scope"))
	if err != nil {
		return nil, err
	}
	m.jobsCompleted, err = meter.Int64Counter("generation_jobs_finished_total",
		metric.WithDescription("Generation jobs finished by status"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, verb, status string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordHotLoad(platform, scope string) {
	m.hotLoads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("scope", scope),
	))
}

func (m *Metrics) RecordJobFinished(status string) {
	m.jobsCompleted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
