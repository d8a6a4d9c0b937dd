package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sykli-ci/sykli/internal/graph"
)

// graphDump is the JSON shape `sykli graph` emits: the resolved tasks plus
// their topological levels. Mermaid/DOT rendering is explicitly out of
// scope (spec §9 Non-goals on graph visualization), but the engine must
// produce this typed dump anyway since `context` consumes the same shape.
type graphDump struct {
	Tasks  map[string]*graph.Task `json:"tasks"`
	Levels []graph.Level          `json:"levels"`
}

func runGraph(ctx context.Context, path string, format string) error {
	if format != "json" {
		return fmt.Errorf("cmd/sykli: unsupported graph format %q (only json is implemented)", format)
	}
	g, levels, err := loadGraph(ctx, path)
	if err != nil {
		return err
	}
	dump := graphDump{Tasks: g.Tasks, Levels: levels}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}
