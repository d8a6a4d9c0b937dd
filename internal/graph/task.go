// Package graph ingests the SDK-emitted task graph, validates it, and
// expands it (matrix, capabilities) into a form the scheduler can run.
package graph

// TaskInput wires an artifact produced by another task into this task's
// workdir before execution.
type TaskInput struct {
	FromTask   string `json:"from_task"`
	OutputName string `json:"output_name"`
	DestPath   string `json:"dest_path"`
}

// Mount binds a Resource into the task's container/workdir.
type Mount struct {
	ResourceID    string `json:"resource_id"`
	ContainerPath string `json:"container_path"`
	Kind          string `json:"kind"` // directory | cache
}

// Service is a sidecar container started alongside the task.
type Service struct {
	Image string `json:"image"`
	Alias string `json:"alias"`
}

// SecretRef names an external secret source.
type SecretRef struct {
	Name   string `json:"name"`
	Source string `json:"source"` // env | file | vault
	Key    string `json:"key"`
}

// K8sOpts carries backend-specific resource requests plus a raw pass-through.
type K8sOpts struct {
	Memory string          `json:"memory,omitempty"`
	CPU    string          `json:"cpu,omitempty"`
	GPU    string          `json:"gpu,omitempty"`
	Raw    map[string]any  `json:"raw,omitempty"`
}

// Semantic carries AI/introspection metadata, consumed by out-of-scope tooling.
type Semantic struct {
	Covers      []string `json:"covers,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	Criticality string   `json:"criticality,omitempty"` // high | medium | low
}

// AIHooks names optional follow-up behaviors; the core does not act on them.
type AIHooks struct {
	OnFail string `json:"on_fail,omitempty"`
	Select string `json:"select,omitempty"`
}

// Provide is a named capability signal a task offers to consumers.
type Provide struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Capability is the provides/needs declaration on a task.
type Capability struct {
	Provides []Provide `json:"provides,omitempty"`
	Needs    []string  `json:"needs,omitempty"`
}

// Gate marks a task with no command whose passage is externally approved.
type Gate struct {
	Strategy       string `json:"strategy"` // prompt | env | file | webhook
	TimeoutSeconds int    `json:"timeout_seconds"`
	Message        string `json:"message,omitempty"`
	EnvVar         string `json:"env_var,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
}

// CredentialBinding requests short-lived cloud credentials via OIDC exchange.
type CredentialBinding struct {
	Provider string `json:"provider"` // aws | gcp | azure
	Duration int    `json:"duration,omitempty"`
	Role     string `json:"role,omitempty"`
	Audience string `json:"audience,omitempty"`
}

// Task is the central, immutable-after-build unit of work.
type Task struct {
	Name           string            `json:"name"`
	Command        *string           `json:"command,omitempty"`
	Container      *string           `json:"container,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	Retry          int               `json:"retry,omitempty"`

	Inputs     []string          `json:"inputs,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	TaskInputs []TaskInput       `json:"task_inputs,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`
	Condition string   `json:"when,omitempty"`

	Mounts   []Mount   `json:"mounts,omitempty"`
	Services []Service `json:"services,omitempty"`

	Matrix       map[string][]string `json:"matrix,omitempty"`
	MatrixValues map[string]string   `json:"matrix_values,omitempty"`

	Secrets    []string    `json:"secrets,omitempty"`
	SecretRefs []SecretRef `json:"secret_refs,omitempty"`

	Requires []string `json:"requires,omitempty"`
	Target   string   `json:"target,omitempty"` // local | k8s

	K8s *K8sOpts `json:"k8s,omitempty"`

	Semantic *Semantic `json:"semantic,omitempty"`
	AIHooks  *AIHooks  `json:"ai_hooks,omitempty"`

	HistoryHint string `json:"history_hint,omitempty"`

	Capability *Capability `json:"capability,omitempty"`

	// Provides/Needs are accepted as top-level wire aliases for Capability
	// (spec §6.1 lists both provides/needs and capability on the wire).
	Provides []Provide `json:"provides,omitempty"`
	Needs    []string  `json:"needs,omitempty"`

	GateSpec *Gate `json:"gate,omitempty"`

	Verify string `json:"verify,omitempty"` // never | always | cross_platform | default

	CredentialBinding *CredentialBinding `json:"credential_binding,omitempty"`
}

// IsGate reports whether this is a gate task: no command and a gate spec.
func (t *Task) IsGate() bool { return t.Command == nil && t.GateSpec != nil }

// capability returns the effective Capability, merging the legacy
// top-level provides/needs aliases into the structured field.
func (t *Task) capability() Capability {
	c := Capability{}
	if t.Capability != nil {
		c = *t.Capability
	}
	c.Provides = append(append([]Provide{}, c.Provides...), t.Provides...)
	c.Needs = append(append([]string{}, c.Needs...), t.Needs...)
	return c
}

// Resource is either a host directory or a named cache volume, referenced
// by Mount.ResourceID.
type Resource struct {
	Type string `json:"type"` // directory | cache
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// Document is the top-level wire payload the SDK emits.
type Document struct {
	Version   string              `json:"version"`
	Tasks     []Task              `json:"tasks"`
	Resources map[string]Resource `json:"resources,omitempty"`
}
