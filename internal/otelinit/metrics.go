package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Instruments holds the cross-cutting counters/histograms that main wires
// explicitly into constructors already shaped to take them (the scheduler's
// retry loop and the K8s job poll loop). Components added later without
// that plumbing (cache, gate, capability, graph) register their own
// counters/tracers straight off the global otel providers instead — see
// DESIGN.md's internal/otelinit entry for the split rationale.
type Instruments struct {
	RetryAttempts metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	K8sPollCount  metric.Int64Counter
}

// InitMetrics installs a global MeterProvider exporting via OTLP/gRPC and
// returns a shutdown func plus the shared instrument set.
func InitMetrics(ctx context.Context, service string) (func(context.Context) error, Instruments) {
	var inst Instruments
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint()), otlpmetricgrpc.WithInsecure())
	if err != nil {
		slog.Warn("otel: metric exporter unavailable, metrics disabled", "error", err)
		return func(context.Context) error { return nil }, inst
	}

	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(service),
	))

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	meter := mp.Meter(service)
	inst = createInstruments(meter)
	return mp.Shutdown, inst
}

func createInstruments(meter metric.Meter) Instruments {
	retryAttempts, _ := meter.Int64Counter("sykli_retry_attempts_total")
	taskDuration, _ := meter.Float64Histogram("sykli_task_duration_ms")
	pollCount, _ := meter.Int64Counter("sykli_k8s_poll_total")
	return Instruments{
		RetryAttempts: retryAttempts,
		TaskDuration:  taskDuration,
		K8sPollCount:  pollCount,
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
