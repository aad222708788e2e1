// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus
// exporter. It returns the HTTP handler for the /metrics endpoint and a
// shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// ServeMetrics mounts the /metrics endpoint on its own port and returns the
// server so callers can shut it down.
func ServeMetrics(handler http.Handler, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// PlaneMetrics bundles the counters recorded by the plane control loops.
type PlaneMetrics struct {
	CheckpointsWritten metric.Int64Counter
	CheckpointsReplays metric.Int64Counter
	InstancesStarted   metric.Int64Counter
	InstancesFinished  metric.Int64Counter
	InstancesWoken     metric.Int64Counter
	WakeFailures       metric.Int64Counter
	HeartbeatKills     metric.Int64Counter
	SignalsDelivered   metric.Int64Counter
}

// NewPlaneMetrics registers the plane counters on the global meter provider.
func NewPlaneMetrics(meterName string) (*PlaneMetrics, error) {
	meter := otel.Meter(meterName)

	pm := &PlaneMetrics{}
	var err error
	if pm.CheckpointsWritten, err = meter.Int64Counter("runtara.checkpoints.written",
		metric.WithDescription("Checkpoints persisted with fresh state")); err != nil {
		return nil, err
	}
	if pm.CheckpointsReplays, err = meter.Int64Counter("runtara.checkpoints.replayed",
		metric.WithDescription("Checkpoint reads satisfied from stored state")); err != nil {
		return nil, err
	}
	if pm.InstancesStarted, err = meter.Int64Counter("runtara.instances.started",
		metric.WithDescription("Instances launched")); err != nil {
		return nil, err
	}
	if pm.InstancesFinished, err = meter.Int64Counter("runtara.instances.finished",
		metric.WithDescription("Instances reaching a terminal state")); err != nil {
		return nil, err
	}
	if pm.InstancesWoken, err = meter.Int64Counter("runtara.instances.woken",
		metric.WithDescription("Sleeping instances relaunched by the wake scheduler")); err != nil {
		return nil, err
	}
	if pm.WakeFailures, err = meter.Int64Counter("runtara.wake.failures",
		metric.WithDescription("Wake relaunch attempts that failed")); err != nil {
		return nil, err
	}
	if pm.HeartbeatKills, err = meter.Int64Counter("runtara.heartbeat.kills",
		metric.WithDescription("Instances stopped for missing heartbeats")); err != nil {
		return nil, err
	}
	if pm.SignalsDelivered, err = meter.Int64Counter("runtara.signals.delivered",
		metric.WithDescription("Control signals attached to responses")); err != nil {
		return nil, err
	}
	return pm, nil
}
