// Package gate implements the Gate State Machine (spec §4.8): a task with
// no command whose passage is governed by external approval through one of
// four strategies — prompt, env, file, webhook.
package gate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/otelinit"
)

// tracer and resolutions are the gate state machine's own telemetry handles
// (spec §A.2), resolved lazily off the global otel providers like
// internal/cache's.
var (
	tracer      = otel.Tracer("sykli/gate")
	resolutions metric.Int64Counter
)

func init() {
	resolutions, _ = otel.Meter("sykli/gate").Int64Counter("sykli_gate_resolutions_total")
}

// Outcome is the terminal state a gate resolves to.
type Outcome string

const (
	Approved Outcome = "approved"
	Denied   Outcome = "denied"
	TimedOut Outcome = "timed_out"
)

// Result carries the gate's terminal status and the reason it exited,
// for the scheduler to translate into a TaskResult.
type Result struct {
	Outcome  Outcome
	Approver string
	Reason   string
	Duration time.Duration
}

const pollInterval = time.Second

// ErrMisconfigured marks a gate its strategy cannot run with: a required
// field is empty (spec §4.8: "Empty env_var/file_path are rejected"), or,
// with Field "tty", a prompt gate whose stdin is not a terminal.
type ErrMisconfigured struct {
	Strategy string
	Field    string
}

func (e *ErrMisconfigured) Error() string {
	if e.Field == "tty" {
		return fmt.Sprintf("gate: strategy %q requires a TTY on stdin", e.Strategy)
	}
	return fmt.Sprintf("gate: strategy %q requires non-empty %q", e.Strategy, e.Field)
}

// Run drives a gate task to a terminal outcome, emitting gate_waiting on
// entry and gate_resolved on exit via bus.
func Run(ctx context.Context, bus *events.Bus, runID string, task *graph.Task) (Result, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "gate.Run")
	defer endSpan()

	spec := task.GateSpec
	if spec == nil {
		return Result{}, fmt.Errorf("gate: task %q has no gate spec", task.Name)
	}
	if err := validate(spec); err != nil {
		return Result{}, err
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	bus.Publish(events.NewEvent(events.GateWaiting, runID, task.Name, map[string]any{
		"strategy": spec.Strategy,
		"timeout":  spec.TimeoutSeconds,
		"message":  spec.Message,
	}))

	start := time.Now()
	var result Result
	var err error

	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Strategy {
	case "prompt":
		result, err = runPrompt(gateCtx, spec)
	case "env":
		result, err = runEnv(gateCtx, spec)
	case "file":
		result, err = runFile(gateCtx, spec)
	case "webhook":
		result, err = runWebhook(gateCtx, spec)
	default:
		return Result{}, fmt.Errorf("gate: unknown strategy %q", spec.Strategy)
	}
	result.Duration = time.Since(start)
	if resolutions != nil {
		resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", spec.Strategy),
			attribute.String("outcome", string(result.Outcome)),
		))
	}

	bus.Publish(events.NewEvent(events.GateResolved, runID, task.Name, map[string]any{
		"outcome":     string(result.Outcome),
		"approver":    result.Approver,
		"duration_ms": result.Duration.Milliseconds(),
	}))

	return result, err
}

func validate(spec *graph.Gate) error {
	switch spec.Strategy {
	case "env":
		if spec.EnvVar == "" {
			return &ErrMisconfigured{Strategy: "env", Field: "env_var"}
		}
	case "file":
		if spec.FilePath == "" {
			return &ErrMisconfigured{Strategy: "file", Field: "file_path"}
		}
	case "prompt", "webhook":
		// no required field
	default:
		return fmt.Errorf("gate: unrecognized strategy %q", spec.Strategy)
	}
	return nil
}

// runPrompt requires a TTY and reads y/n from stdin within the timeout.
// Non-TTY environments are rejected as a configuration error, not a denial:
// a stdin that is not a character device, or one that reports end of input
// before any answer (such as /dev/null).
func runPrompt(ctx context.Context, spec *graph.Gate) (Result, error) {
	info, err := os.Stdin.Stat()
	if err != nil || (info.Mode()&os.ModeCharDevice) == 0 {
		return Result{}, &ErrMisconfigured{Strategy: "prompt", Field: "tty"}
	}

	answered := make(chan string, 1)
	noInput := make(chan struct{})
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			close(noInput)
			return
		}
		answered <- strings.TrimSpace(strings.ToLower(line))
	}()

	select {
	case <-ctx.Done():
		return Result{Outcome: TimedOut, Reason: "timeout"}, nil
	case <-noInput:
		return Result{}, &ErrMisconfigured{Strategy: "prompt", Field: "tty"}
	case answer := <-answered:
		switch answer {
		case "y", "yes":
			return Result{Outcome: Approved, Approver: "prompt"}, nil
		default:
			return Result{Outcome: Denied, Approver: "prompt", Reason: "rejected at prompt"}, nil
		}
	}
}

var approveWords = map[string]bool{"yes": true, "true": true, "1": true, "approve": true}
var denyWords = map[string]bool{"no": true, "false": true, "0": true, "deny": true}

// runEnv polls a named environment variable at a 1s cadence.
func runEnv(ctx context.Context, spec *graph.Gate) (Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	check := func() (Result, bool) {
		val := strings.ToLower(strings.TrimSpace(os.Getenv(spec.EnvVar)))
		switch {
		case approveWords[val]:
			return Result{Outcome: Approved, Approver: "env:" + spec.EnvVar}, true
		case denyWords[val]:
			return Result{Outcome: Denied, Approver: "env:" + spec.EnvVar, Reason: "denied via " + spec.EnvVar}, true
		default:
			return Result{}, false
		}
	}

	if r, ok := check(); ok {
		return r, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: TimedOut, Reason: "timeout"}, nil
		case <-ticker.C:
			if r, ok := check(); ok {
				return r, nil
			}
		}
	}
}

// runFile polls for existence of spec.FilePath; a sibling "<path>.deny"
// file signals denial.
func runFile(ctx context.Context, spec *graph.Gate) (Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	denyPath := spec.FilePath + ".deny"
	check := func() (Result, bool) {
		if _, err := os.Stat(denyPath); err == nil {
			return Result{Outcome: Denied, Approver: "file:" + denyPath, Reason: "deny marker present"}, true
		}
		if _, err := os.Stat(spec.FilePath); err == nil {
			return Result{Outcome: Approved, Approver: "file:" + spec.FilePath}, true
		}
		return Result{}, false
	}

	if r, ok := check(); ok {
		return r, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: TimedOut, Reason: "timeout"}, nil
		case <-ticker.C:
			if r, ok := check(); ok {
				return r, nil
			}
		}
	}
}

// runWebhook is an optional strategy (spec §4.8: "may be unimplemented").
func runWebhook(ctx context.Context, spec *graph.Gate) (Result, error) {
	return Result{}, fmt.Errorf("gate: strategy \"webhook\" is not implemented")
}
