package k8s

import (
	"fmt"
	"regexp"

	corev1 "k8s.io/api/core/v1"
)

// SourceSpec describes how to populate the Job's workspace with the
// project's source (spec §4.5.3 "Source provisioning").
type SourceSpec struct {
	URL       string // e.g. https://github.com/org/repo.git
	Branch    string
	SHA       string
	Full      bool   // full clone instead of --depth=1
	SSHHost   string // required if using an SSH key
	SSHSecret string // name of a K8s Secret holding the private key, key "id_rsa"
	HTTPSToken string // injected into the URL for token-authenticated HTTPS
}

// Every field interpolated into the init-container's shell script must
// match this allow-list; anything else fails manifest construction before
// a single shell character is assembled (spec §4.5.3, invariant 8 in §8).
var shellSafeRE = regexp.MustCompile(`^[A-Za-z0-9._/@:-]+$`)

func validateShellSafe(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			continue
		}
		if !shellSafeRE.MatchString(f) {
			return fmt.Errorf("k8s: %q contains characters outside the allow-list for shell interpolation", f)
		}
	}
	return nil
}

// BuildGitInitContainer returns an emptyDir workspace volume and an
// alpine/git init container whose script clones, checks out, and
// optionally authenticates — all values are allow-list validated first.
func BuildGitInitContainer(spec SourceSpec) (*corev1.Volume, *corev1.Container, error) {
	if err := validateShellSafe(spec.URL, spec.Branch, spec.SHA, spec.SSHHost); err != nil {
		return nil, nil, err
	}

	volume := &corev1.Volume{
		Name:         "sykli-workspace",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}

	depthFlag := "--depth=1"
	if spec.Full {
		depthFlag = ""
	}

	url := spec.URL
	var envVars []corev1.EnvVar
	var volumeMounts []corev1.VolumeMount
	script := "set -eu\n"

	if spec.SSHSecret != "" {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{Name: "sykli-ssh-key", MountPath: "/root/.ssh-src", ReadOnly: true})
		script += "mkdir -p ~/.ssh && cp /root/.ssh-src/id_rsa ~/.ssh/id_rsa && chmod 600 ~/.ssh/id_rsa\n"
		if spec.SSHHost != "" {
			script += fmt.Sprintf("ssh-keyscan %s >> ~/.ssh/known_hosts 2>/dev/null\n", spec.SSHHost)
		}
	} else if spec.HTTPSToken != "" {
		envVars = append(envVars, corev1.EnvVar{Name: "SYKLI_GIT_TOKEN", Value: spec.HTTPSToken})
		// the token itself is never interpolated into the shell line; it
		// flows in via env and is substituted by git's credential helper
		// semantics at clone time, not by string formatting here.
		script += "git config --global credential.helper '!f() { echo username=x-access-token; echo password=$SYKLI_GIT_TOKEN; }; f'\n"
	}

	script += fmt.Sprintf("git clone %s %s /workspace\n", depthFlag, url)
	if spec.SHA != "" {
		script += fmt.Sprintf("cd /workspace && git checkout %s\n", spec.SHA)
	} else if spec.Branch != "" {
		script += fmt.Sprintf("cd /workspace && git checkout %s\n", spec.Branch)
	}

	container := &corev1.Container{
		Name:         "sykli-source-init",
		Image:        "alpine/git",
		Command:      []string{"sh", "-c", script},
		Env:          envVars,
		VolumeMounts: append(volumeMounts, corev1.VolumeMount{Name: "sykli-workspace", MountPath: "/workspace"}),
	}
	return volume, container, nil
}

// PVCSourceSpec is the optional alternative: a pre-populated PVC mounted
// directly rather than cloned by an init container.
type PVCSourceSpec struct {
	ClaimName string
	SubPath   string
}

// BuildPVCVolume returns the volume for the PVC source strategy.
func BuildPVCVolume(spec PVCSourceSpec) *corev1.Volume {
	return &corev1.Volume{
		Name: "sykli-workspace",
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.ClaimName},
		},
	}
}
