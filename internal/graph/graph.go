package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"go.opentelemetry.io/otel"
)

// tracer is the DAG builder's own trace.Tracer (spec §A.2). Build is a
// synchronous, ctx-less function by design — callers (cmd/sykli, the SDK
// invoker) that already carry a request context wrap their own call with
// otelinit.WithSpan for correlation; this span just records Build's own
// cost independent of who invoked it.
var tracer = otel.Tracer("sykli/graph")

// Graph maps task name to Task plus the resources referenced by mounts.
type Graph struct {
	Tasks     map[string]*Task
	Resources map[string]Resource
	// Order preserves the original declaration order for deterministic
	// iteration where the spec doesn't otherwise impose one.
	Order []string
}

// CycleError reports a detected dependency cycle with the offending path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Path)
}

// ParseError wraps a malformed-document error (spec §7, exit code 2).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse error: " + e.Reason }

// ResolutionError reports a capability-resolution failure.
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string { return "capability resolution error: " + e.Reason }

// ArtifactError reports an invalid task_inputs wiring.
type ArtifactError struct {
	Reason string
}

func (e *ArtifactError) Error() string { return "artifact error: " + e.Reason }

// Parse decodes the wire document and builds the initial Graph, checking
// structural invariants that don't require expansion first: unique names,
// every dependency name resolvable.
func Parse(jsonBytes []byte) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if doc.Version != "1" && doc.Version != "2" {
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported version %q", doc.Version)}
	}

	g := &Graph{
		Tasks:     make(map[string]*Task, len(doc.Tasks)),
		Resources: doc.Resources,
	}
	for i := range doc.Tasks {
		t := doc.Tasks[i]
		if t.Name == "" {
			return nil, &ParseError{Reason: "task with empty name"}
		}
		if _, dup := g.Tasks[t.Name]; dup {
			return nil, &ParseError{Reason: fmt.Sprintf("duplicate task name %q", t.Name)}
		}
		tc := t
		g.Tasks[t.Name] = &tc
		g.Order = append(g.Order, t.Name)
	}

	for name, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, &ParseError{Reason: fmt.Sprintf("task %q depends on unknown task %q", name, dep)}
			}
		}
	}
	return g, nil
}

var capNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ExpandMatrix replaces every matrix-declaring task with its Cartesian
// product of concrete variants (spec §4.1). Downstream dependants on the
// base name are rewritten to depend on all variants.
func ExpandMatrix(g *Graph) (*Graph, error) {
	out := &Graph{Tasks: make(map[string]*Task), Resources: g.Resources}
	variantsOf := make(map[string][]string)

	for _, name := range g.Order {
		t := g.Tasks[name]
		if len(t.Matrix) == 0 {
			cp := *t
			out.Tasks[name] = &cp
			out.Order = append(out.Order, name)
			variantsOf[name] = []string{name}
			continue
		}
		if t.capability().Provides != nil && len(t.capability().Provides) > 0 {
			return nil, &ResolutionError{Reason: fmt.Sprintf("matrix task %q must not declare provides", name)}
		}

		keys := make([]string, 0, len(t.Matrix))
		for k := range t.Matrix {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		combos := cartesianProduct(t.Matrix, keys)
		var variantNames []string
		for _, combo := range combos {
			variantName := name
			for _, k := range keys {
				variantName += "-" + combo[k]
			}
			cp := *t
			cp.Name = variantName
			cp.Matrix = nil
			cp.MatrixValues = combo
			cp.Env = mergeEnv(t.Env, combo)
			out.Tasks[variantName] = &cp
			out.Order = append(out.Order, variantName)
			variantNames = append(variantNames, variantName)
		}
		variantsOf[name] = variantNames
	}

	// Rewrite dependencies: any depends_on referencing a base matrix name
	// fans out to all its variants.
	for _, t := range out.Tasks {
		var rewritten []string
		for _, dep := range t.DependsOn {
			variants, ok := variantsOf[dep]
			if !ok {
				rewritten = append(rewritten, dep)
				continue
			}
			rewritten = append(rewritten, variants...)
		}
		t.DependsOn = rewritten
	}
	return out, nil
}

func mergeEnv(base map[string]string, combo map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(combo))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range combo {
		out["SYKLI_MATRIX_"+upper(k)] = v
	}
	return out
}

func cartesianProduct(matrix map[string][]string, keys []string) []map[string]string {
	combos := []map[string]string{{}}
	for _, k := range keys {
		values := matrix[k]
		var next []map[string]string
		for _, c := range combos {
			for _, v := range values {
				nc := make(map[string]string, len(c)+1)
				for kk, vv := range c {
					nc[kk] = vv
				}
				nc[k] = v
				next = append(next, nc)
			}
		}
		combos = next
	}
	return combos
}

// ResolveCapabilities wires provides/needs into implicit dependencies and
// injects SYKLI_CAP_<NAME> env vars into consumers (spec §4.1).
func ResolveCapabilities(g *Graph) (*Graph, error) {
	providers := make(map[string]string) // capability name -> producer task
	for _, name := range g.Order {
		t := g.Tasks[name]
		for _, p := range t.capability().Provides {
			if !capNameRE.MatchString(p.Name) {
				return nil, &ResolutionError{Reason: fmt.Sprintf("invalid capability name %q on task %q", p.Name, name)}
			}
			if existing, dup := providers[p.Name]; dup {
				return nil, &ResolutionError{Reason: fmt.Sprintf("capability %q provided by both %q and %q", p.Name, existing, name)}
			}
			providers[p.Name] = name
		}
	}

	for _, name := range g.Order {
		t := g.Tasks[name]
		cap := t.capability()
		needSet := make(map[string]bool, len(cap.Needs))
		for _, n := range cap.Needs {
			needSet[n] = true
		}
		for _, p := range cap.Provides {
			if needSet[p.Name] {
				return nil, &ResolutionError{Reason: fmt.Sprintf("task %q both provides and needs capability %q", name, p.Name)}
			}
		}
		for _, needed := range cap.Needs {
			producer, ok := providers[needed]
			if !ok {
				return nil, &ResolutionError{Reason: fmt.Sprintf("task %q needs undeclared capability %q", name, needed)}
			}
			if !containsStr(t.DependsOn, producer) {
				t.DependsOn = append(t.DependsOn, producer)
			}
			value := ""
			for _, p := range g.Tasks[producer].capability().Provides {
				if p.Name == needed {
					value = p.Value
					break
				}
			}
			if t.Env == nil {
				t.Env = make(map[string]string)
			}
			t.Env["SYKLI_CAP_"+upper(needed)] = value
		}
	}
	return g, nil
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		} else if c == '-' {
			b[i] = '_'
		}
	}
	return string(b)
}

// Level is one batch of tasks executable in parallel (spec §4.2, GLOSSARY).
type Level []string

// TopologicalSort groups tasks into levels by longest-path depth from any
// root, using 3-color DFS to detect and report cycles precisely (spec
// §4.1's formal replacement for the teacher's root-count heuristic).
func TopologicalSort(g *Graph) ([]Level, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Tasks))
	var path []string
	var cycleErr error

	var visit func(name string) bool // returns true to stop
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)
		for _, dep := range g.Tasks[name].DependsOn {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				idx := indexOf(path, dep)
				cyclePath := append(append([]string{}, path[idx:]...), dep)
				cycleErr = &CycleError{Path: cyclePath}
				return true
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range g.Order {
		if color[name] == white {
			if visit(name) {
				return nil, cycleErr
			}
		}
	}

	depth := make(map[string]int, len(g.Tasks))
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		max := 0
		for _, dep := range g.Tasks[name].DependsOn {
			if d := depthOf(dep) + 1; d > max {
				max = d
			}
		}
		depth[name] = max
		return max
	}
	maxDepth := 0
	for _, name := range g.Order {
		if d := depthOf(name); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([]Level, maxDepth+1)
	for _, name := range g.Order {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}
	return levels, nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return 0
}

// ValidateArtifacts checks every task_inputs entry: the producer exists,
// declares the named output, and is a transitive predecessor of the
// consumer (spec §4.1).
func ValidateArtifacts(g *Graph) error {
	ancestors := make(map[string]map[string]bool, len(g.Tasks))
	var ancestorsOf func(name string) map[string]bool
	ancestorsOf = func(name string) map[string]bool {
		if a, ok := ancestors[name]; ok {
			return a
		}
		set := make(map[string]bool)
		for _, dep := range g.Tasks[name].DependsOn {
			set[dep] = true
			for a := range ancestorsOf(dep) {
				set[a] = true
			}
		}
		ancestors[name] = set
		return set
	}

	for _, name := range g.Order {
		t := g.Tasks[name]
		anc := ancestorsOf(name)
		for _, ti := range t.TaskInputs {
			producer, ok := g.Tasks[ti.FromTask]
			if !ok {
				return &ArtifactError{Reason: fmt.Sprintf("task %q references unknown producer %q", name, ti.FromTask)}
			}
			if _, declared := producer.Outputs[ti.OutputName]; !declared {
				return &ArtifactError{Reason: fmt.Sprintf("task %q references undeclared output %q on %q", name, ti.OutputName, ti.FromTask)}
			}
			if !anc[ti.FromTask] {
				return &ArtifactError{Reason: fmt.Sprintf("task %q references %q which is not a predecessor", name, ti.FromTask)}
			}
		}
	}
	return nil
}

// Build runs the full pipeline: it parses jsonBytes, then chains matrix
// expansion, capability resolution, topological sort, and artifact
// validation.
func Build(jsonBytes []byte) (*Graph, []Level, error) {
	_, span := tracer.Start(context.Background(), "graph.Build")
	defer span.End()

	g, err := Parse(jsonBytes)
	if err != nil {
		return nil, nil, err
	}
	g, err = ExpandMatrix(g)
	if err != nil {
		return nil, nil, err
	}
	g, err = ResolveCapabilities(g)
	if err != nil {
		return nil, nil, err
	}
	levels, err := TopologicalSort(g)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateArtifacts(g); err != nil {
		return nil, nil, err
	}
	return g, levels, nil
}
