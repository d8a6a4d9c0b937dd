package k8s

import (
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// VolumeSpec is a host-path volume mounted into the Job's container.
type VolumeSpec struct {
	Name      string
	HostPath  string
	MountPath string
}

// Resources requests memory/CPU/GPU for the Job's container.
type Resources struct {
	Memory string
	CPU    string
	GPU    string
}

// ManifestOpts describes everything needed to build a batch/v1 Job.
type ManifestOpts struct {
	Name                    string
	Namespace               string
	Image                   string
	Command                 []string
	Labels                  map[string]string
	Env                     map[string]string
	Volumes                 []VolumeSpec
	BackoffLimit            *int32
	TTLSecondsAfterFinished *int32
	Resources               Resources
	InitContainers          []corev1.Container
	SourceVolume            *corev1.Volume
}

// BuildManifest constructs the batch/v1 Job object. backoffLimit defaults
// to 0 (no in-cluster retries — retries are the scheduler's job).
func BuildManifest(opts ManifestOpts) (*batchv1.Job, error) {
	if opts.Name == "" || opts.Namespace == "" || opts.Image == "" {
		return nil, fmt.Errorf("k8s: manifest requires name, namespace, and image")
	}

	backoff := int32(0)
	if opts.BackoffLimit != nil {
		backoff = *opts.BackoffLimit
	}

	var envVars []corev1.EnvVar
	for k, v := range opts.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for _, v := range opts.Volumes {
		volumes = append(volumes, corev1.Volume{
			Name: v.Name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: v.HostPath},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: v.Name, MountPath: v.MountPath})
	}
	if opts.SourceVolume != nil {
		volumes = append(volumes, *opts.SourceVolume)
		mounts = append(mounts, corev1.VolumeMount{Name: opts.SourceVolume.Name, MountPath: "/workspace"})
	}

	resourceList := corev1.ResourceList{}
	if opts.Resources.Memory != "" {
		resourceList[corev1.ResourceMemory] = resource.MustParse(opts.Resources.Memory)
	}
	if opts.Resources.CPU != "" {
		resourceList[corev1.ResourceCPU] = resource.MustParse(opts.Resources.CPU)
	}
	if opts.Resources.GPU != "" {
		resourceList[corev1.ResourceName("nvidia.com/gpu")] = resource.MustParse(opts.Resources.GPU)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      opts.Name,
			Namespace: opts.Namespace,
			Labels:    mergeLabels(opts.Labels, opts.Name),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: opts.TTLSecondsAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: mergeLabels(opts.Labels, opts.Name)},
				Spec: corev1.PodSpec{
					RestartPolicy:  corev1.RestartPolicyNever,
					InitContainers: opts.InitContainers,
					Containers: []corev1.Container{{
						Name:         "task",
						Image:        opts.Image,
						Command:      opts.Command,
						Env:          envVars,
						VolumeMounts: mounts,
						Resources:    corev1.ResourceRequirements{Requests: resourceList, Limits: resourceList},
					}},
					Volumes: volumes,
				},
			},
		},
	}
	return job, nil
}

func mergeLabels(labels map[string]string, jobName string) map[string]string {
	out := map[string]string{"job-name": jobName}
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// SanitizeJobName turns a task name into a manifest-safe Job name:
// sykli-<run_id>-<task_name_sanitized> (spec §4.5.4).
func SanitizeJobName(runID, taskName string) string {
	sanitized := jobNameSanitizer.ReplaceAllString(strings.ToLower(taskName), "-")
	name := fmt.Sprintf("sykli-%s-%s", strings.ToLower(runID), sanitized)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

var jobNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)
