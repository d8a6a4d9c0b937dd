// Package target implements the Target Abstraction (spec §4.9): Local and
// K8s variants of available?/prepare/run_task, selected per-task by
// task.target falling back to the pipeline default.
package target

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/otelinit"
	"github.com/sykli-ci/sykli/internal/runtime"
)

// tracer is shared by Local and K8s (spec §A.2 names "K8s client" as a
// long-lived component that takes its own trace.Tracer; Local gets the same
// treatment for consistency within the package).
var tracer = otel.Tracer("sykli/target")

// ExecOpts carries the per-task execution request.
type ExecOpts struct {
	Workdir string
	Env     map[string]string
	Timeout int
	Mounts  []runtime.MountSpec
	// Network is the bridge network a prior StartServices call created for
	// this task's `services` declarations (spec §4.4); empty when the task
	// declares none. Local's Container runtime joins it; Shell ignores it.
	Network string
	// Strict is neither set by the scheduler nor read by any target. The
	// scheduler does not act on a task's verify setting, so a
	// verify: cross_platform task runs on its target like any other task.
	Strict   bool
	OnOutput func([]byte)
}

// Context is what Prepare returns. It carries only the workdir; RunTask
// does not take a Context.
type Context struct {
	Workdir string
}

// ExitStatus mirrors a completed or failed execution.
type ExitStatus struct {
	Code       int
	TailOutput string
}

var ErrDirtyWorkdir = errors.New("target: workdir has uncommitted changes")

// Target is the capability-based execution surface the scheduler dispatches
// through; Local and K8s are the two variants (spec §4.9).
type Target interface {
	Name() string
	Available(ctx context.Context) error
	Prepare(ctx context.Context, workdir string) (Context, error)
	RunTask(ctx context.Context, task *graph.Task, opts ExecOpts) (ExitStatus, error)
}

// Local dispatches to a runtime.Runtime (Shell or Container) directly on
// the host; prepare is a no-op (spec §4.9).
type Local struct {
	rt runtime.Runtime
}

func NewLocal(rt runtime.Runtime) *Local {
	return &Local{rt: rt}
}

func (l *Local) Name() string { return "local:" + l.rt.Name() }

// Runtime exposes the underlying runtime.Runtime so the scheduler can start
// a task's declared services (spec §4.4) on the same backend that will run
// the task itself.
func (l *Local) Runtime() runtime.Runtime { return l.rt }

func (l *Local) Available(ctx context.Context) error {
	_, err := l.rt.Available(ctx)
	return err
}

func (l *Local) Prepare(ctx context.Context, workdir string) (Context, error) {
	return Context{Workdir: workdir}, nil
}

func (l *Local) RunTask(ctx context.Context, task *graph.Task, opts ExecOpts) (ExitStatus, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "target.Local.RunTask")
	defer endSpan()

	if task.Command == nil {
		return ExitStatus{}, fmt.Errorf("target: local run_task called on task %q with no command", task.Name)
	}
	image := ""
	if task.Container != nil {
		image = *task.Container
	}
	result, err := l.rt.Run(ctx, *task.Command, image, opts.Mounts, runtime.RunOpts{
		Workdir:  opts.Workdir,
		Env:      opts.Env,
		Timeout:  opts.Timeout,
		Network:  opts.Network,
		OnOutput: opts.OnOutput,
	})
	if err != nil {
		return ExitStatus{}, err
	}
	return ExitStatus{Code: result.ExitCode, TailOutput: result.TailOutput}, nil
}
