package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sykli-ci/sykli/internal/otelinit"
)

// tracer and instruments are the process-wide telemetry handles every
// subcommand reads. main wires them up once via initTelemetry; tests that
// invoke runPipeline/runDelta directly never call it, so tracer falls back
// to the global no-op TracerProvider's tracer and instruments stays its
// nil-valued zero value, both safe to pass straight through (scheduler's
// retry loop and the K8s job poller already nil-check their counters).
var (
	tracer      trace.Tracer = otel.Tracer("sykli")
	instruments otelinit.Instruments
)

// initTelemetry bootstraps OTel's trace and metric exporters and returns a
// combined shutdown func for main to defer.
func initTelemetry(ctx context.Context, service string) func(context.Context) error {
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetric, inst := otelinit.InitMetrics(ctx, service)
	tracer = otel.Tracer(service)
	instruments = inst
	return func(ctx context.Context) error {
		if err := otelinit.Flush(ctx, shutdownTrace); err != nil {
			return err
		}
		return otelinit.Flush(ctx, shutdownMetric)
	}
}
