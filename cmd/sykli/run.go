package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/condition"
	"github.com/sykli-ci/sykli/internal/config"
	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/gitutil"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/history"
	"github.com/sykli-ci/sykli/internal/k8s"
	"github.com/sykli-ci/sykli/internal/otelinit"
	"github.com/sykli-ci/sykli/internal/runtime"
	"github.com/sykli-ci/sykli/internal/scheduler"
	"github.com/sykli-ci/sykli/internal/sdk"
	"github.com/sykli-ci/sykli/internal/target"
)

// loadGraph reads path's pipeline document (a plain JSON wire-format file,
// or an SDK source the engine invokes per spec §6.1) and builds the graph.
func loadGraph(ctx context.Context, path string) (*graph.Graph, []graph.Level, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cmd/sykli: stat %s: %w", path, err)
	}

	docPath := path
	if info.IsDir() {
		candidate := filepath.Join(path, "sykli.json")
		if _, err := os.Stat(candidate); err == nil {
			docPath = candidate
		} else {
			sdkPath, sdkErr := sdk.Detect(path)
			if sdkErr != nil {
				return nil, nil, sdkErr
			}
			data, emitErr := sdk.Emit(ctx, sdkPath)
			if emitErr != nil {
				return nil, nil, emitErr
			}
			g, levels, buildErr := graph.Build(data)
			return g, levels, buildErr
		}
	}

	data, err := os.ReadFile(docPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cmd/sykli: read %s: %w", docPath, err)
	}
	return graph.Build(data)
}

// buildTargets wires the Local target always, and a K8s target whenever
// in-cluster or kubeconfig credentials can be detected (best-effort; a
// task declaring target: k8s fails at dispatch time if it's absent).
func buildTargets(cfg config.Config) map[string]target.Target {
	targets := map[string]target.Target{
		"local": target.NewLocal(runtime.NewShell()),
	}
	auth, err := k8s.Detect(os.Getenv("KUBECONFIG"), "")
	if err != nil {
		slog.Debug("cmd/sykli: no k8s credentials detected, k8s target disabled", "error", err)
		return targets
	}
	k8sTarget, err := target.NewK8s(target.K8sConfig{Namespace: auth.Namespace}, auth, instruments.K8sPollCount)
	if err != nil {
		slog.Warn("cmd/sykli: k8s target construction failed", "error", err)
		return targets
	}
	targets["k8s"] = k8sTarget
	return targets
}

func conditionContext(dir string) condition.Context {
	ctx := condition.Context{Env: envMap(), CI: os.Getenv("CI") != ""}
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if branch := strings.TrimSpace(string(out)); err == nil && branch != "HEAD" {
		ctx.Branch = branch
	}
	return ctx
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func runPipeline(ctx context.Context, path string, flags *globalFlags) error {
	var filter func(string) bool
	if flags.filter != "" {
		filter = filterMatcher(flags.filter)
	}
	return runPipelineFiltered(ctx, path, flags, filter)
}

// runPipelineFiltered is the shared core behind `sykli run` (glob filter,
// possibly none) and `sykli delta` (an explicit affected-task set).
func runPipelineFiltered(ctx context.Context, path string, flags *globalFlags, filter func(string) bool) error {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "cmd/sykli.runPipeline")
	defer endSpan()

	g, levels, err := loadGraph(ctx, path)
	if err != nil {
		return err
	}

	cfg, err := config.Load(filepath.Join(path, ".sykli", "config.json"))
	if err != nil {
		return err
	}
	if flags.target != "" {
		cfg.DefaultTarget = flags.target
	}

	cacheDir := filepath.Join(os.Getenv("HOME"), ".sykli", "cache")
	repo, err := cache.Open(cacheDir)
	if err != nil {
		return fmt.Errorf("cmd/sykli: open cache: %w", err)
	}

	bus := events.NewBus()
	if flags.verbose {
		sub, unsubscribe := bus.Subscribe("")
		defer unsubscribe()
		go streamEvents(sub)
	}

	exec := scheduler.New(repo, bus, buildTargets(cfg))

	opts := scheduler.Opts{
		Workdir:       path,
		DefaultTarget: cfg.DefaultTarget,
		TimeoutMS:     int64(flags.timeout) * 1000,
		SykliVersion:  "dev",
		ConditionCtx:  conditionContext(path),
		Filter:        filter,
		RetryCounter:  instruments.RetryAttempts,
		TaskDuration:  instruments.TaskDuration,
	}

	overall, results, runErr := exec.Run(ctx, g, levels, opts)
	recordRun(ctx, path, g, results, overall)
	if runErr != nil {
		return runErr
	}
	return exitCodeForOverall(string(overall))
}

func filterMatcher(pattern string) func(string) bool {
	return func(name string) bool {
		ok, _ := filepath.Match(pattern, name)
		return ok
	}
}

func streamEvents(sub <-chan events.Event) {
	for ev := range sub {
		data, _ := json.Marshal(ev)
		fmt.Fprintln(os.Stderr, string(data))
	}
}

// recordRun persists the run to RunHistory and the Occurrence store, and
// computes each failed task's likely_cause against the last good run
// (spec §4.7).
func recordRun(ctx context.Context, projectDir string, g *graph.Graph, results []scheduler.TaskResult, overall scheduler.Status) {
	store, err := history.Open(filepath.Join(projectDir, ".sykli", "history"))
	if err != nil {
		slog.Warn("cmd/sykli: open run history", "error", err)
		return
	}
	occ, err := history.OpenOccurrenceStore(filepath.Join(projectDir, ".sykli", "occurrences", "occurrences.db"))
	if err != nil {
		slog.Warn("cmd/sykli: open occurrence store", "error", err)
		return
	}
	defer occ.Close()

	lastGood, _ := store.LoadLastGood()
	headSHA, _ := gitutil.HeadSHA(ctx, projectDir)

	records := make([]history.TaskRecord, 0, len(results))
	for _, r := range results {
		prevStreak := 0
		if lastGood != nil {
			for _, prev := range lastGood.Tasks {
				if prev.Name == r.Name {
					prevStreak = prev.Streak
					break
				}
			}
		}
		rec := history.TaskRecord{
			Name:       r.Name,
			Status:     string(r.Status),
			DurationMS: r.DurationMS,
			Cached:     r.Cached,
			ErrorMsg:   r.Error,
			Streak:     history.ComputeStreak(prevStreak, string(r.Status)),
		}
		if t, ok := g.Tasks[r.Name]; ok {
			rec.Inputs = t.Inputs
		}
		if r.Status == scheduler.Failed && lastGood != nil {
			if cause, err := history.LikelyCause(ctx, projectDir, lastGood.GitRef, rec.Inputs); err == nil {
				rec.LikelyCause = cause
			}
		}
		records = append(records, rec)

		_ = occ.Record(history.Occurrence{Task: r.Name, Status: string(r.Status), Timestamp: time.Now().UTC()})
	}

	run := history.Run{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp: time.Now().UTC(),
		GitRef:    headSHA,
		Tasks:     records,
		Overall:   string(overall),
	}
	if err := store.Save(run); err != nil {
		slog.Warn("cmd/sykli: save run history", "error", err)
	}
}
