package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sykli-ci/sykli/internal/config"
)

func writeDoc(t *testing.T, dir, doc string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "sykli.json"), []byte(doc), 0644); err != nil {
		t.Fatalf("write sykli.json: %v", err)
	}
}

func TestLoadGraphReadsWireDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"echo build"}]}`)

	g, levels, err := loadGraph(context.Background(), dir)
	if err != nil {
		t.Fatalf("loadGraph: %v", err)
	}
	if _, ok := g.Tasks["build"]; !ok {
		t.Fatalf("expected task build in graph, got %v", g.Tasks)
	}
	if len(levels) != 1 {
		t.Fatalf("expected 1 level, got %d", len(levels))
	}
}

func TestLoadGraphMissingPathErrors(t *testing.T) {
	_, _, err := loadGraph(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestFilterMatcherMatchesGlob(t *testing.T) {
	match := filterMatcher("build*")
	if !match("build") {
		t.Error("expected build to match build*")
	}
	if !match("build-linux") {
		t.Error("expected build-linux to match build*")
	}
	if match("test") {
		t.Error("did not expect test to match build*")
	}
}

func TestBuildTargetsAlwaysIncludesLocal(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing-config.json"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	targets := buildTargets(cfg)
	if _, ok := targets["local"]; !ok {
		t.Fatal("expected local target to always be present")
	}
}

func TestEnvMapParsesKeyValuePairs(t *testing.T) {
	t.Setenv("SYKLI_TEST_ENV_VAR", "value")
	env := envMap()
	if env["SYKLI_TEST_ENV_VAR"] != "value" {
		t.Fatalf("expected env var to round-trip, got %q", env["SYKLI_TEST_ENV_VAR"])
	}
}

func TestRunPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"true"}]}`)
	t.Setenv("HOME", dir)

	flags := &globalFlags{}
	if err := runPipeline(context.Background(), dir, flags); err != nil {
		t.Fatalf("runPipeline: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".sykli", "history")); err != nil {
		t.Fatalf("expected history dir to be created: %v", err)
	}
}
