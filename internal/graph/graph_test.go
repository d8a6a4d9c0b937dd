package graph

import (
	"encoding/json"
	"testing"
)

func cmd(s string) *string { return &s }

func TestParseDuplicateName(t *testing.T) {
	doc := `{"version":"1","tasks":[{"name":"a"},{"name":"a"}]}`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestParseUnknownDependency(t *testing.T) {
	doc := `{"version":"1","tasks":[{"name":"a","depends_on":["missing"]}]}`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestTopologicalSortLinear(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"a": {Name: "a", Command: cmd("echo A")},
		"b": {Name: "b", Command: cmd("echo B"), DependsOn: []string{"a"}},
	}, Order: []string{"a", "b"}}

	levels, err := TopologicalSort(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 2 || levels[0][0] != "a" || levels[1][0] != "b" {
		t.Fatalf("unexpected levels: %+v", levels)
	}
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"a": {Name: "a", DependsOn: []string{"b"}},
		"b": {Name: "b", DependsOn: []string{"a"}},
	}, Order: []string{"a", "b"}}

	_, err := TopologicalSort(g)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *CycleError
	if !asCycleErr(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
}

func asCycleErr(err error, target **CycleError) bool {
	ce, ok := err.(*CycleError)
	if ok {
		*target = ce
	}
	return ok
}

func TestMatrixExpansion(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"t": {
			Name:    "t",
			Command: cmd("echo $V"),
			Matrix:  map[string][]string{"os": {"linux", "mac"}, "arch": {"x86", "arm"}},
		},
		"downstream": {Name: "downstream", Command: cmd("echo done"), DependsOn: []string{"t"}},
	}, Order: []string{"t", "downstream"}}

	expanded, err := ExpandMatrix(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"t-linux-x86", "t-linux-arm", "t-mac-x86", "t-mac-arm"}
	for _, name := range want {
		if _, ok := expanded.Tasks[name]; !ok {
			t.Errorf("missing expected variant %q", name)
		}
	}
	ds := expanded.Tasks["downstream"]
	if len(ds.DependsOn) != 4 {
		t.Errorf("downstream should depend on all 4 variants, got %v", ds.DependsOn)
	}
}

func TestCapabilityWiring(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"migrate": {Name: "migrate", Command: cmd("migrate up"), Capability: &Capability{
			Provides: []Provide{{Name: "db-ready", Value: "1"}},
		}},
		"app": {Name: "app", Command: cmd("start"), Capability: &Capability{Needs: []string{"db-ready"}}},
	}, Order: []string{"migrate", "app"}}

	resolved, err := ResolveCapabilities(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	app := resolved.Tasks["app"]
	if !containsStr(app.DependsOn, "migrate") {
		t.Errorf("app should depend on migrate, got %v", app.DependsOn)
	}
	if app.Env["SYKLI_CAP_DB_READY"] != "1" {
		t.Errorf("expected injected env var, got %v", app.Env)
	}
}

func TestCapabilityDuplicateProvider(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"a": {Name: "a", Capability: &Capability{Provides: []Provide{{Name: "x"}}}},
		"b": {Name: "b", Capability: &Capability{Provides: []Provide{{Name: "x"}}}},
	}, Order: []string{"a", "b"}}

	if _, err := ResolveCapabilities(g); err == nil {
		t.Fatal("expected duplicate provider error")
	}
}

func TestMatrixTaskCannotProvide(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"t": {
			Name:       "t",
			Matrix:     map[string][]string{"os": {"linux"}},
			Capability: &Capability{Provides: []Provide{{Name: "x"}}},
		},
	}, Order: []string{"t"}}

	if _, err := ExpandMatrix(g); err == nil {
		t.Fatal("expected error: matrix task cannot provide capabilities")
	}
}

func TestArtifactValidation(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"build": {Name: "build", Command: cmd("go build"), Outputs: map[string]string{"binary": "app"}},
		"test": {
			Name: "test", Command: cmd("./app"), DependsOn: []string{"build"},
			TaskInputs: []TaskInput{{FromTask: "build", OutputName: "binary", DestPath: "./app"}},
		},
	}, Order: []string{"build", "test"}}

	if err := ValidateArtifacts(g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestArtifactValidationRejectsNonPredecessor(t *testing.T) {
	g := &Graph{Tasks: map[string]*Task{
		"build": {Name: "build", Outputs: map[string]string{"binary": "app"}},
		"test": {
			Name:       "test",
			TaskInputs: []TaskInput{{FromTask: "build", OutputName: "binary", DestPath: "./app"}},
		},
	}, Order: []string{"build", "test"}}

	if err := ValidateArtifacts(g); err == nil {
		t.Fatal("expected error: build is not a predecessor of test")
	}
}

func TestBuildEndToEndArtifactChain(t *testing.T) {
	doc := Document{
		Version: "1",
		Tasks: []Task{
			{Name: "build", Command: cmd("go build -o app ."), Inputs: []string{"**/*.go"}, Outputs: map[string]string{"binary": "app"}},
			{Name: "test", Command: cmd("./app"), DependsOn: []string{"build"}, TaskInputs: []TaskInput{
				{FromTask: "build", OutputName: "binary", DestPath: "./app"},
			}},
		},
	}
	raw, _ := json.Marshal(doc)
	_, levels, err := Build(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
}
