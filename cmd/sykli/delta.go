package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/gitutil"
	"github.com/sykli-ci/sykli/internal/history"
)

// runDelta runs only the tasks whose inputs intersect the git diff since
// the last good run (spec §6.2 "sykli delta").
func runDelta(ctx context.Context, path string, flags *globalFlags) error {
	store, err := history.Open(filepath.Join(path, ".sykli", "history"))
	if err != nil {
		return err
	}
	lastGood, err := store.LoadLastGood()
	if err != nil {
		return err
	}
	if lastGood == nil {
		return runPipeline(ctx, path, flags) // no baseline yet: run everything
	}

	changed, err := gitutil.DiffNames(ctx, path, lastGood.GitRef)
	if err != nil {
		return fmt.Errorf("cmd/sykli: delta diff: %w", err)
	}

	g, _, err := loadGraph(ctx, path)
	if err != nil {
		return err
	}
	changedSet := make(map[string]bool, len(changed))
	for _, c := range changed {
		changedSet[c] = true
	}

	affected := map[string]bool{}
	for name, t := range g.Tasks {
		matches, err := cache.ExpandGlobs(path, t.Inputs)
		if err != nil {
			return fmt.Errorf("cmd/sykli: expand inputs for %q: %w", name, err)
		}
		for _, m := range matches {
			if changedSet[m] {
				affected[name] = true
				break
			}
		}
	}

	scoped := *flags
	scoped.filter = "" // task names don't follow a glob here; use an explicit set filter below
	return runPipelineFiltered(ctx, path, &scoped, func(name string) bool { return affected[name] })
}
