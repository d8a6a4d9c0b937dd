package k8s

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the K8s client's own trace.Tracer (spec §A.2).
var tracer = otel.Tracer("sykli/k8s")

// Propagation selects the deletion cascade policy.
type Propagation string

const (
	PropagationBackground Propagation = "Background"
	PropagationForeground Propagation = "Foreground"
	PropagationOrphan     Propagation = "Orphan"
)

// Outcome is the terminal state wait_complete resolves to.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timeout"
)

// JobRepo wraps Client with the Job-specific REST paths (spec §4.5.3/4.5.4).
type JobRepo struct {
	client     *Client
	maxRetries int
}

func NewJobRepo(client *Client) *JobRepo {
	return &JobRepo{client: client, maxRetries: 10}
}

func (r *JobRepo) Create(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	var out batchv1.Job
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", job.Namespace)
	if err := r.client.Do(ctx, "POST", path, job, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *JobRepo) Get(ctx context.Context, name, namespace string) (*batchv1.Job, error) {
	var out batchv1.Job
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", namespace, name)
	if err := r.client.Do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type deleteOptions struct {
	PropagationPolicy *string `json:"propagationPolicy,omitempty"`
}

func (r *JobRepo) Delete(ctx context.Context, name, namespace string, propagation Propagation) error {
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", namespace, name)
	p := string(propagation)
	return r.client.Do(ctx, "DELETE", path, deleteOptions{PropagationPolicy: &p}, nil)
}

// WaitComplete polls Get at poll_interval until the Job reaches a
// terminal state or the timeout elapses (spec §4.5.3).
func (r *JobRepo) WaitComplete(ctx context.Context, name, namespace string, timeout, pollInterval time.Duration, pollCount metric.Int64Counter) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "k8s.WaitComplete", trace.WithAttributes(attribute.String("job", name)))
	defer span.End()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := r.Get(ctx, name, namespace)
		if err != nil {
			return "", fmt.Errorf("k8s: wait_complete get: %w", err)
		}
		if pollCount != nil {
			pollCount.Add(ctx, 1)
		}
		if job.Status.Succeeded > 0 {
			return Succeeded, nil
		}
		if job.Status.Failed > 0 {
			return Failed, nil
		}
		if time.Now().After(deadline) {
			return TimedOut, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrNoPods indicates Logs could not find any pod for the Job within
// maxRetries polling attempts.
var ErrNoPods = fmt.Errorf("k8s: no pods found for job")

type podList struct {
	Items []corev1.Pod `json:"items"`
}

// Logs finds the Job's pod via the job-name label selector, retrying
// until scheduled, then fetches the container's logs.
func (r *JobRepo) Logs(ctx context.Context, name, namespace, container string) ([]byte, error) {
	var pod *corev1.Pod
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var list podList
		path := fmt.Sprintf("/api/v1/namespaces/%s/pods?labelSelector=job-name=%s", namespace, name)
		if err := r.client.Do(ctx, "GET", path, nil, &list); err != nil {
			return nil, fmt.Errorf("k8s: list pods: %w", err)
		}
		if len(list.Items) > 0 {
			pod = &list.Items[0]
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if pod == nil {
		return nil, ErrNoPods
	}

	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log", namespace, pod.Name)
	if container != "" {
		path += "?container=" + container
	}
	data, err := r.client.DoRaw(ctx, "GET", path)
	if err != nil {
		return nil, fmt.Errorf("k8s: fetch logs: %w", err)
	}
	return data, nil
}

// TailOutput truncates log bytes to the trailing tailSize, matching the
// 4KiB failure-tail retention policy (spec §4.5.4).
func TailOutput(logs []byte, tailSize int) string {
	if len(logs) <= tailSize {
		return string(logs)
	}
	return string(logs[len(logs)-tailSize:])
}
