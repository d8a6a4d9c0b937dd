package target

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"go.opentelemetry.io/otel/metric"

	"github.com/sykli-ci/sykli/internal/gitutil"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/k8s"
	"github.com/sykli-ci/sykli/internal/otelinit"
)

// K8sConfig is the static configuration a K8s target is built from.
type K8sConfig struct {
	Namespace    string
	Image        string // default image when a task declares no container
	GitURL       string
	SSHSecret    string
	HTTPSToken   string
	PVCClaim     string // if set, use the PVC source strategy instead of git clone
	PollInterval time.Duration
	Timeout      time.Duration
	AllowDirty   bool
}

// K8s dispatches tasks as Kubernetes batch Jobs.
type K8s struct {
	cfg       K8sConfig
	client    *k8s.Client
	jobs      *k8s.JobRepo
	pollCount metric.Int64Counter
}

func NewK8s(cfg K8sConfig, auth *k8s.Auth, pollCount metric.Int64Counter) (*K8s, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = auth.Namespace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	client, err := k8s.NewClient(auth, pollCount)
	if err != nil {
		return nil, err
	}
	return &K8s{cfg: cfg, client: client, jobs: k8s.NewJobRepo(client), pollCount: pollCount}, nil
}

func (k *K8s) Name() string { return "k8s" }

func (k *K8s) Available(ctx context.Context) error {
	// A lightweight list call would be the natural health check; the
	// hand-rolled client has no list-namespaces helper, so we defer the
	// real check to the first Job create and treat construction success
	// (valid TLS config, valid auth) as available.
	return nil
}

// Prepare checks workdir for uncommitted changes, returning ErrDirtyWorkdir
// unless AllowDirty is set; the check is skipped when PVCClaim supplies the
// source. It resolves no git ref or remote and returns only the workdir:
// RunTask builds the source volume and init container itself, cloning
// GitURL without a pinned branch or commit.
func (k *K8s) Prepare(ctx context.Context, workdir string) (Context, error) {
	if k.cfg.PVCClaim == "" {
		dirty, err := gitutil.IsDirty(ctx, workdir)
		if err != nil {
			return Context{}, fmt.Errorf("target: k8s prepare: %w", err)
		}
		if dirty && !k.cfg.AllowDirty {
			return Context{}, ErrDirtyWorkdir
		}
	}
	return Context{Workdir: workdir}, nil
}

func (k *K8s) RunTask(ctx context.Context, task *graph.Task, opts ExecOpts) (ExitStatus, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "target.K8s.RunTask")
	defer endSpan()

	if task.Command == nil {
		return ExitStatus{}, fmt.Errorf("target: k8s run_task called on task %q with no command", task.Name)
	}

	image := k.cfg.Image
	if task.Container != nil {
		image = *task.Container
	}
	if image == "" {
		return ExitStatus{}, fmt.Errorf("target: k8s task %q declares no container image", task.Name)
	}

	sourceVolume, initContainer, err := k.buildSourceInit(ctx)
	if err != nil {
		return ExitStatus{}, err
	}

	jobName := k8s.SanitizeJobName(runIDFromContext(ctx), task.Name)
	resources := k8s.Resources{}
	if task.K8s != nil {
		resources = k8s.Resources{Memory: task.K8s.Memory, CPU: task.K8s.CPU, GPU: task.K8s.GPU}
	}

	manifestOpts := k8s.ManifestOpts{
		Name:         jobName,
		Namespace:    k.cfg.Namespace,
		Image:        image,
		Command:      []string{"sh", "-c", *task.Command},
		Env:          opts.Env,
		Resources:    resources,
		SourceVolume: sourceVolume,
	}
	if initContainer != nil {
		manifestOpts.InitContainers = append(manifestOpts.InitContainers, *initContainer)
	}

	job, err := k8s.BuildManifest(manifestOpts)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("target: k8s build manifest: %w", err)
	}

	if _, err := k.jobs.Create(ctx, job); err != nil {
		return ExitStatus{}, fmt.Errorf("target: k8s create job: %w", err)
	}
	defer func() {
		_ = k.jobs.Delete(context.Background(), jobName, k.cfg.Namespace, k8s.PropagationBackground)
	}()

	outcome, err := k.jobs.WaitComplete(ctx, jobName, k.cfg.Namespace, k.cfg.Timeout, k.cfg.PollInterval, k.pollCount)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("target: k8s wait_complete: %w", err)
	}

	logs, logErr := k.jobs.Logs(ctx, jobName, k.cfg.Namespace, "")
	tail := ""
	if logErr == nil {
		tail = k8s.TailOutput(logs, 4*1024)
	}
	if opts.OnOutput != nil && logErr == nil {
		opts.OnOutput(logs)
	}

	switch outcome {
	case k8s.Succeeded:
		return ExitStatus{Code: 0, TailOutput: tail}, nil
	case k8s.TimedOut:
		return ExitStatus{Code: -1, TailOutput: tail}, fmt.Errorf("target: k8s job %q timed out", jobName)
	default:
		return ExitStatus{Code: 1, TailOutput: tail}, nil
	}
}

func (k *K8s) buildSourceInit(ctx context.Context) (*corev1.Volume, *corev1.Container, error) {
	if k.cfg.PVCClaim != "" {
		vol := k8s.BuildPVCVolume(k8s.PVCSourceSpec{ClaimName: k.cfg.PVCClaim})
		return vol, nil, nil
	}
	vol, container, err := k8s.BuildGitInitContainer(k8s.SourceSpec{
		URL:        k.cfg.GitURL,
		SSHSecret:  k.cfg.SSHSecret,
		HTTPSToken: k.cfg.HTTPSToken,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("target: k8s source init: %w", err)
	}
	return vol, container, nil
}

// runIDFromContext extracts the run id the scheduler stashes on ctx; a
// fallback keeps job naming stable even if it's absent (e.g. ad-hoc tests).
type runIDKey struct{}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "run"
}
