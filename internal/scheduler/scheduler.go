// Package scheduler implements the Executor (spec §4.2): level-based
// parallel execution of a task graph, driving each task through the
// 9-step per-task lifecycle (condition, predecessor gating, cache lookup,
// artifact staging, credential exchange, gate check, execution, cache
// write, event emission).
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/capability"
	"github.com/sykli-ci/sykli/internal/condition"
	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/gate"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/otelinit"
	"github.com/sykli-ci/sykli/internal/resilience"
	"github.com/sykli-ci/sykli/internal/runtime"
	"github.com/sykli-ci/sykli/internal/target"
)

// tracer is the Executor's own trace.Tracer (spec §A.2): resolved lazily
// off the global TracerProvider, so it starts emitting real spans the
// moment main calls otelinit.InitTracer without any constructor plumbing.
var tracer = otel.Tracer("sykli/scheduler")

// Status is a task's terminal outcome (spec §4.2 "Terminal statuses").
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
	Cached  Status = "cached"
	Blocked Status = "blocked"
)

// TaskResult is the immutable outcome of one task's lifecycle.
type TaskResult struct {
	Name        string
	Status      Status
	DurationMS  int64
	Error       string
	LikelyCause []string
	Cached      bool
}

// Opts configures a single Run invocation (spec §4.2 "Contract").
type Opts struct {
	Workdir       string
	DefaultTarget string // "local" | "k8s"
	Filter        func(taskName string) bool
	TimeoutMS     int64
	SykliVersion  string
	ConditionCtx  condition.Context
	MaxParallel   int // 0 = logical CPU count * 2
	Tokens        capability.IdentityTokenSource

	RetryBase    time.Duration
	RetryFactor  float64
	RetryMax     time.Duration
	RetryCounter metric.Int64Counter
	TaskDuration metric.Float64Histogram
}

// Executor ties the graph, cache, targets, gate, and capability resolver
// together into the level-scheduled run loop (spec §4.2, §5).
type Executor struct {
	Cache   *cache.Repository
	Bus     *events.Bus
	Targets map[string]target.Target // "local", "k8s"
}

func New(repo *cache.Repository, bus *events.Bus, targets map[string]target.Target) *Executor {
	return &Executor{Cache: repo, Bus: bus, Targets: targets}
}

// runState is the scheduler-thread-only mutable bookkeeping for a run;
// workers only ever return immutable TaskResult values (spec §5).
type runState struct {
	mu      sync.Mutex
	results map[string]TaskResult
}

func newRunState() *runState {
	return &runState{results: make(map[string]TaskResult)}
}

func (s *runState) set(r TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.Name] = r
}

func (s *runState) get(name string) (TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[name]
	return r, ok
}

func newRunID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Run executes every level of the graph in order, returning one
// TaskResult per task (spec §4.2 contract, §5 ordering guarantees).
func (e *Executor) Run(ctx context.Context, g *graph.Graph, levels []graph.Level, opts Opts) (Status, []TaskResult, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "scheduler.Run")
	defer endSpan()

	runID := newRunID()
	state := newRunState()

	if opts.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx = target.WithRunID(ctx, runID)

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = goruntime.NumCPU() * 2
	}

	e.Bus.Publish(events.NewEvent(events.RunStarted, runID, "", nil))

	for _, level := range levels {
		sem := make(chan struct{}, maxParallel)
		resultCh := make(chan TaskResult, len(level))
		var wg sync.WaitGroup

		for _, name := range level {
			name := name
			task := g.Tasks[name]
			if opts.Filter != nil && !opts.Filter(name) {
				state.set(TaskResult{Name: name, Status: Skipped})
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				resultCh <- e.runTask(ctx, runID, g, task, state, opts)
			}()
		}
		wg.Wait()
		close(resultCh)
		for r := range resultCh {
			state.set(r)
		}

		select {
		case <-ctx.Done():
			overall, results := finalize(g, state)
			e.Bus.Publish(events.NewEvent(events.RunCompleted, runID, "", map[string]any{"overall": string(overall)}))
			return overall, results, ctx.Err()
		default:
		}
	}

	overall, results := finalize(g, state)
	e.Bus.Publish(events.NewEvent(events.RunCompleted, runID, "", map[string]any{"overall": string(overall)}))
	return overall, results, nil
}

func finalize(g *graph.Graph, state *runState) (Status, []TaskResult) {
	overall := Passed
	results := make([]TaskResult, 0, len(g.Order))
	for _, name := range g.Order {
		r, ok := state.get(name)
		if !ok {
			r = TaskResult{Name: name, Status: Blocked}
		}
		if r.Status == Failed {
			overall = Failed
		}
		results = append(results, r)
	}
	return overall, results
}

// runTask drives one task through the lifecycle in spec §4.2.
func (e *Executor) runTask(ctx context.Context, runID string, g *graph.Graph, task *graph.Task, state *runState, opts Opts) TaskResult {
	ctx, span := tracer.Start(ctx, "scheduler.runTask", trace.WithAttributes(attribute.String("task", task.Name)))
	defer span.End()

	start := time.Now()

	// step 1: condition check
	if task.Condition != "" {
		ok, err := condition.Eval(task.Condition, opts.ConditionCtx)
		if err != nil {
			return TaskResult{Name: task.Name, Status: Failed, Error: err.Error(), DurationMS: since(start)}
		}
		if !ok {
			return TaskResult{Name: task.Name, Status: Skipped, DurationMS: since(start)}
		}
	}

	// step 2: predecessor gating — skipped predecessors don't poison
	// (Open Question #3, SPEC_FULL.md §D.3).
	for _, dep := range task.DependsOn {
		depResult, ok := state.get(dep)
		if !ok {
			return TaskResult{Name: task.Name, Status: Blocked, DurationMS: since(start)}
		}
		if depResult.Status == Failed || depResult.Status == Blocked {
			return TaskResult{Name: task.Name, Status: Blocked, DurationMS: since(start)}
		}
	}

	e.Bus.Publish(events.NewEvent(events.TaskStarted, runID, task.Name, nil))

	workdir := filepath.Join(opts.Workdir, ".sykli", "work", task.Name)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return e.completeFailed(runID, task, start, fmt.Errorf("scheduler: create workdir: %w", err))
	}

	// step 3: cache lookup
	var fingerprint string
	var envHash, mountsHash, inputsHash string
	if len(task.Inputs) > 0 {
		envHash = cache.HashEnv(task.Env)
		mountsHash = cache.HashMounts(mountNames(task.Mounts))
		var err error
		inputsHash, _, err = cache.HashInputs(opts.Workdir, task.Inputs)
		if err != nil {
			return e.completeFailed(runID, task, start, fmt.Errorf("scheduler: hash inputs: %w", err))
		}
		container := ""
		if task.Container != nil {
			container = *task.Container
		}
		fingerprint = cache.Fingerprint(opts.SykliVersion, derefCmd(task.Command), container, envHash, mountsHash, inputsHash)

		if entry, err := e.Cache.Get(fingerprint); err == nil {
			if restoreErr := e.Cache.Restore(entry, workdir); restoreErr == nil {
				return TaskResult{Name: task.Name, Status: Cached, Cached: true, DurationMS: since(start)}
			}
		}
	}

	// step 4: artifact staging
	if err := e.stageArtifacts(task, g, state, opts.Workdir, workdir); err != nil {
		return e.completeFailed(runID, task, start, err)
	}

	env := mergeEnv(task.Env, nil)

	// step 5: credential exchange
	if task.CredentialBinding != nil {
		if opts.Tokens == nil {
			return e.completeFailed(runID, task, start, fmt.Errorf("scheduler: task %q needs credential exchange but no identity token source is configured", task.Name))
		}
		creds, err := capability.Resolve(ctx, e.Bus, runID, task, opts.Tokens)
		if err != nil {
			return e.completeFailed(runID, task, start, err)
		}
		env = mergeEnv(env, creds.EnvVars)
	}

	// step 6: gate check — a command-less gate task resolves here instead
	// of executing.
	if task.IsGate() {
		return e.runGateTask(ctx, runID, task, start)
	}

	tgt := e.pickTarget(task, opts.DefaultTarget)
	if tgt == nil {
		return e.completeFailed(runID, task, start, fmt.Errorf("scheduler: no target configured for task %q", task.Name))
	}

	// services — bridge network + sidecar containers declared via
	// task.Services, torn down on every exit path (spec §4.4, invariant 9).
	network := ""
	if len(task.Services) > 0 {
		if provider, ok := tgt.(interface{ Runtime() runtime.Runtime }); ok {
			ss, netName, err := runtime.StartServices(ctx, provider.Runtime(), task.Name, serviceSpecs(task.Services))
			if err != nil {
				return e.completeFailed(runID, task, start, fmt.Errorf("scheduler: start services: %w", err))
			}
			defer ss.Teardown(context.Background())
			network = netName
		}
	}

	// step 7: execution (with retry)
	attempts := task.Retry + 1
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}

	// resilience.Retry already sleeps an exponential/jittered delay
	// (base 1s, factor 2, capped 30s) between attempts, matching the
	// scheduler's retry policy (spec §4.2 step 7) without this closure
	// sleeping again.
	exitStatus, err := resilience.Retry(ctx, attempts, retryBase, opts.RetryCounter, func(attempt int) (target.ExitStatus, error) {
		status, runErr := tgt.RunTask(ctx, task, target.ExecOpts{
			Workdir: workdir,
			Env:     env,
			Timeout: task.TimeoutSeconds,
			Network: network,
			OnOutput: func(b []byte) {
				e.Bus.Publish(events.NewEvent(events.TaskOutput, runID, task.Name, map[string]any{"bytes": string(b)}))
			},
		})
		if runErr != nil {
			return status, runErr
		}
		if status.Code != 0 {
			return status, fmt.Errorf("scheduler: task %q exited %d", task.Name, status.Code)
		}
		return status, nil
	})

	if err != nil {
		return e.completeFailed(runID, task, start, err)
	}

	// step 8: cache write
	if len(task.Inputs) > 0 && fingerprint != "" {
		if writeErr := e.writeCache(fingerprint, task, workdir, envHash, mountsHash, inputsHash, opts.SykliVersion, time.Since(start)); writeErr != nil {
			slog.Warn("scheduler: cache write failed", "task", task.Name, "error", writeErr)
		}
	}

	duration := since(start)
	if opts.TaskDuration != nil {
		opts.TaskDuration.Record(ctx, float64(duration), metric.WithAttributes(attribute.String("task", task.Name), attribute.String("outcome", string(Passed))))
	}
	e.Bus.Publish(events.NewEvent(events.TaskCompleted, runID, task.Name, map[string]any{
		"outcome":     string(Passed),
		"duration_ms": duration,
		"tail_output": exitStatus.TailOutput,
	}))
	return TaskResult{Name: task.Name, Status: Passed, DurationMS: duration}
}

func (e *Executor) runGateTask(ctx context.Context, runID string, task *graph.Task, start time.Time) TaskResult {
	result, err := gate.Run(ctx, e.Bus, runID, task)
	if err != nil {
		return e.completeFailed(runID, task, start, err)
	}
	duration := since(start)
	switch result.Outcome {
	case gate.Approved:
		e.Bus.Publish(events.NewEvent(events.TaskCompleted, runID, task.Name, map[string]any{"outcome": string(Passed), "duration_ms": duration}))
		return TaskResult{Name: task.Name, Status: Passed, DurationMS: duration}
	default:
		e.Bus.Publish(events.NewEvent(events.TaskCompleted, runID, task.Name, map[string]any{"outcome": string(Failed), "duration_ms": duration, "reason": result.Reason}))
		return TaskResult{Name: task.Name, Status: Failed, Error: string(result.Outcome), DurationMS: duration}
	}
}

func (e *Executor) completeFailed(runID string, task *graph.Task, start time.Time, err error) TaskResult {
	duration := since(start)
	e.Bus.Publish(events.NewEvent(events.TaskCompleted, runID, task.Name, map[string]any{
		"outcome":     string(Failed),
		"duration_ms": duration,
		"error":       err.Error(),
	}))
	return TaskResult{Name: task.Name, Status: Failed, Error: err.Error(), DurationMS: duration}
}

func (e *Executor) pickTarget(task *graph.Task, defaultTarget string) target.Target {
	name := task.Target
	if name == "" {
		name = defaultTarget
	}
	if name == "" {
		name = "local"
	}
	return e.Targets[name]
}

func (e *Executor) writeCache(fingerprint string, task *graph.Task, workdir, envHash, mountsHash, inputsHash, version string, duration time.Duration) error {
	var outputs []cache.Output
	for logicalName, relPath := range task.Outputs {
		full := filepath.Join(workdir, relPath)
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("scheduler: read output %q: %w", logicalName, err)
		}
		hash, err := e.Cache.StoreBlob(data)
		if err != nil {
			return err
		}
		info, statErr := os.Stat(full)
		mode := uint32(0644)
		if statErr == nil {
			mode = uint32(info.Mode().Perm())
		}
		outputs = append(outputs, cache.Output{
			LogicalName:  logicalName,
			RelativePath: relPath,
			BlobHash:     hash,
			Mode:         mode,
			Size:         int64(len(data)),
		})
	}

	container := ""
	if task.Container != nil {
		container = *task.Container
	}
	return e.Cache.Put(fingerprint, cache.Entry{
		Command:      derefCmd(task.Command),
		Container:    container,
		EnvHash:      envHash,
		MountsHash:   mountsHash,
		InputsHash:   inputsHash,
		SykliVersion: version,
		Outputs:      outputs,
		DurationMS:   duration.Milliseconds(),
		CachedAt:     time.Now().UTC(),
		TaskName:     task.Name,
	})
}

// stageArtifacts copies each task_inputs entry's producer output into
// dest_path, rejecting any destination that escapes workdir after
// realpath resolution (spec §4.2 step 4, invariant: path traversal rejected).
func (e *Executor) stageArtifacts(task *graph.Task, g *graph.Graph, state *runState, projectRoot, workdir string) error {
	for _, ti := range task.TaskInputs {
		producer, ok := g.Tasks[ti.FromTask]
		if !ok {
			return fmt.Errorf("scheduler: task_inputs references unknown task %q", ti.FromTask)
		}
		relOutput, ok := producer.Outputs[ti.OutputName]
		if !ok {
			return fmt.Errorf("scheduler: task %q declares no output %q", ti.FromTask, ti.OutputName)
		}

		dest := filepath.Join(workdir, ti.DestPath)
		absWorkdir, err := filepath.Abs(workdir)
		if err != nil {
			return err
		}
		absDest, err := filepath.Abs(dest)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absWorkdir, absDest)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("scheduler: task_inputs dest_path %q escapes workdir", ti.DestPath)
		}

		producerWorkdir := filepath.Join(projectRoot, ".sykli", "work", producer.Name)
		src := filepath.Join(producerWorkdir, relOutput)
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("scheduler: read producer output %q: %w", src, err)
		}
		if err := os.MkdirAll(filepath.Dir(absDest), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(absDest, data, 0644); err != nil {
			return fmt.Errorf("scheduler: write staged artifact: %w", err)
		}
	}
	return nil
}

func serviceSpecs(services []graph.Service) []struct{ Image, Alias string } {
	out := make([]struct{ Image, Alias string }, len(services))
	for i, s := range services {
		out[i] = struct{ Image, Alias string }{Image: s.Image, Alias: s.Alias}
	}
	return out
}

func mountNames(mounts []graph.Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, m.ResourceID+":"+m.ContainerPath+":"+m.Kind)
	}
	return out
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func derefCmd(cmd *string) string {
	if cmd == nil {
		return ""
	}
	return *cmd
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
