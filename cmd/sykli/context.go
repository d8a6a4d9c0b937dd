package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sykli-ci/sykli/internal/gitutil"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/history"
)

// contextSnapshot is the AI-consumable dump written to .sykli/context.json
// (spec §6.3): the resolved graph plus enough run history for an assistant
// to reason about what's likely broken without re-running anything.
type contextSnapshot struct {
	Tasks      map[string]*graph.Task `json:"tasks"`
	Levels     []graph.Level          `json:"levels"`
	GitRef     string                 `json:"git_ref,omitempty"`
	LastRun    *history.Run           `json:"last_run,omitempty"`
	LastGood   *history.Run           `json:"last_good,omitempty"`
	RecentRuns []history.Run          `json:"recent_runs,omitempty"`
}

func writeContext(ctx context.Context, path string) error {
	g, levels, err := loadGraph(ctx, path)
	if err != nil {
		return err
	}

	snap := contextSnapshot{Tasks: g.Tasks, Levels: levels}
	if ref, err := gitutil.HeadSHA(ctx, path); err == nil {
		snap.GitRef = ref
	}

	store, err := history.Open(filepath.Join(path, ".sykli", "history"))
	if err == nil {
		if latest, err := store.LoadLatest(); err == nil {
			snap.LastRun = latest
		}
		if good, err := store.LoadLastGood(); err == nil {
			snap.LastGood = good
		}
		if recent, err := store.List(10); err == nil {
			snap.RecentRuns = recent
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("cmd/sykli: marshal context: %w", err)
	}

	outDir := filepath.Join(path, ".sykli")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("cmd/sykli: create .sykli dir: %w", err)
	}
	outPath := filepath.Join(outDir, "context.json")
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("cmd/sykli: write %s: %w", outPath, err)
	}
	fmt.Println(outPath)
	return nil
}
