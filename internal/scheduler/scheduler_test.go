package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/runtime"
	"github.com/sykli-ci/sykli/internal/target"
)

func newExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := cache.Open(filepath.Join(dir, ".sykli", "cache"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	bus := events.NewBus()
	targets := map[string]target.Target{"local": target.NewLocal(runtime.NewShell())}
	return New(repo, bus, targets), dir
}

// serviceCapableRuntime wraps Shell but implements the network/service
// capabilities Shell itself reports as unsupported, so tests can exercise
// the scheduler's services wiring without a real docker/podman daemon.
type serviceCapableRuntime struct {
	*runtime.Shell
	mu       sync.Mutex
	networks map[string]bool
	services map[string]bool
}

func newServiceCapableRuntime() *serviceCapableRuntime {
	return &serviceCapableRuntime{Shell: runtime.NewShell(), networks: map[string]bool{}, services: map[string]bool{}}
}

func (r *serviceCapableRuntime) CreateNetwork(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "net-" + name
	r.networks[id] = true
	return id, nil
}

func (r *serviceCapableRuntime) RemoveNetwork(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.networks, id)
	return nil
}

func (r *serviceCapableRuntime) StartService(ctx context.Context, name, image, network string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "svc-" + name
	r.services[id] = true
	return id, nil
}

func (r *serviceCapableRuntime) StopService(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
	return nil
}

func (r *serviceCapableRuntime) remaining() (networks, services int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.networks), len(r.services)
}

func TestRunStartsAndTearsDownDeclaredServices(t *testing.T) {
	dir := t.TempDir()
	repo, err := cache.Open(filepath.Join(dir, ".sykli", "cache"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	bus := events.NewBus()
	rt := newServiceCapableRuntime()
	exec := New(repo, bus, map[string]target.Target{"local": target.NewLocal(rt)})

	doc := `{"version":"1","tasks":[
		{"name":"test","command":"echo test","services":[{"image":"postgres:16","alias":"db"}]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	overall, results, err := exec.Run(context.Background(), g, levels, Opts{Workdir: dir, DefaultTarget: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overall != Passed {
		t.Fatalf("expected overall passed, got %v (%s)", overall, results[0].Error)
	}

	networks, services := rt.remaining()
	if networks != 0 || services != 0 {
		t.Fatalf("expected services and network to be torn down, got %d networks, %d services", networks, services)
	}
}

func TestRunDiamondAllPass(t *testing.T) {
	exec, dir := newExecutor(t)
	doc := `{"version":"1","tasks":[
		{"name":"build","command":"echo build"},
		{"name":"test","command":"echo test","depends_on":["build"]},
		{"name":"lint","command":"echo lint","depends_on":["build"]},
		{"name":"deploy","command":"echo deploy","depends_on":["test","lint"]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	overall, results, err := exec.Run(context.Background(), g, levels, Opts{Workdir: dir, DefaultTarget: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overall != Passed {
		t.Fatalf("expected overall passed, got %v", overall)
	}
	for _, r := range results {
		if r.Status != Passed {
			t.Fatalf("expected %q passed, got %v (%s)", r.Name, r.Status, r.Error)
		}
	}
}

func TestRunBlocksDownstreamOnFailure(t *testing.T) {
	exec, dir := newExecutor(t)
	doc := `{"version":"1","tasks":[
		{"name":"build","command":"exit 1"},
		{"name":"deploy","command":"echo deploy","depends_on":["build"]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	overall, results, err := exec.Run(context.Background(), g, levels, Opts{Workdir: dir, DefaultTarget: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overall != Failed {
		t.Fatalf("expected overall failed, got %v", overall)
	}
	byName := map[string]TaskResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if byName["build"].Status != Failed {
		t.Fatalf("expected build failed, got %v", byName["build"].Status)
	}
	if byName["deploy"].Status != Blocked {
		t.Fatalf("expected deploy blocked, got %v", byName["deploy"].Status)
	}
}

func TestRunSkipsOnFalseCondition(t *testing.T) {
	exec, dir := newExecutor(t)
	doc := `{"version":"1","tasks":[
		{"name":"deploy","command":"echo deploy","when":"branch == \"main\""}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	_, results, err := exec.Run(context.Background(), g, levels, Opts{
		Workdir: dir, DefaultTarget: "local",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != Skipped {
		t.Fatalf("expected skipped, got %v", results[0].Status)
	}
}

func TestRunDoesNotPoisonOnSkippedPredecessor(t *testing.T) {
	exec, dir := newExecutor(t)
	doc := `{"version":"1","tasks":[
		{"name":"build","command":"echo build","when":"branch == \"main\""},
		{"name":"deploy","command":"echo deploy","depends_on":["build"]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	_, results, err := exec.Run(context.Background(), g, levels, Opts{Workdir: dir, DefaultTarget: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byName := map[string]TaskResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if byName["build"].Status != Skipped {
		t.Fatalf("expected build skipped, got %v", byName["build"].Status)
	}
	if byName["deploy"].Status != Passed {
		t.Fatalf("expected deploy to still run and pass, got %v (%s)", byName["deploy"].Status, byName["deploy"].Error)
	}
}

func TestRunCachesOnSecondInvocation(t *testing.T) {
	exec, dir := newExecutor(t)
	if err := os.WriteFile(filepath.Join(dir, "input.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	doc := `{"version":"1","tasks":[
		{"name":"build","command":"echo build","inputs":["input.txt"]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	opts := Opts{Workdir: dir, DefaultTarget: "local", SykliVersion: "test"}

	_, results1, err := exec.Run(context.Background(), g, levels, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if results1[0].Status != Passed {
		t.Fatalf("expected first run passed, got %v", results1[0].Status)
	}

	_, results2, err := exec.Run(context.Background(), g, levels, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if results2[0].Status != Cached {
		t.Fatalf("expected second run cached, got %v", results2[0].Status)
	}
}

func TestRunGateApprovalViaEnv(t *testing.T) {
	const varName = "SYKLI_TEST_SCHED_GATE_APPROVE"
	os.Setenv(varName, "yes")
	defer os.Unsetenv(varName)

	exec, dir := newExecutor(t)
	doc := `{"version":"1","tasks":[
		{"name":"build","command":"echo build"},
		{"name":"approve","depends_on":["build"],"gate":{"strategy":"env","env_var":"` + varName + `","timeout_seconds":2}},
		{"name":"deploy","command":"echo deploy","depends_on":["approve"]}
	]}`
	g, levels, err := graph.Build([]byte(doc))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	overall, results, err := exec.Run(context.Background(), g, levels, Opts{Workdir: dir, DefaultTarget: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overall != Passed {
		t.Fatalf("expected overall passed, got %v", overall)
	}
	for _, r := range results {
		if r.Status != Passed {
			t.Fatalf("expected %q passed, got %v (%s)", r.Name, r.Status, r.Error)
		}
	}
}
