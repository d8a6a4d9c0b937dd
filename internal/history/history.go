// Package history implements RunHistory (spec §4.7): an append-only,
// per-run JSON log under .sykli/history/, plus streak and likely-cause
// correlation.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/gitutil"
)

// TaskRecord is one task's entry in a persisted Run (spec §3 "Run").
type TaskRecord struct {
	Name        string   `json:"name"`
	Status      string   `json:"status"` // passed | failed | skipped | cached
	DurationMS  int64    `json:"duration_ms"`
	Cached      bool     `json:"cached,omitempty"`
	ErrorMsg    string   `json:"error_message,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Streak      int      `json:"streak"`
	LikelyCause []string `json:"likely_cause,omitempty"`
	VerifiedOn  string   `json:"verified_on,omitempty"`
}

// Verification summarizes an optional cross-node re-run pass.
type Verification struct {
	Entries int `json:"entries"`
	Skipped int `json:"skipped"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// Run is a persisted pipeline invocation (spec §3).
type Run struct {
	ID           string       `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	GitRef       string       `json:"git_ref,omitempty"`
	GitBranch    string       `json:"git_branch,omitempty"`
	Tasks        []TaskRecord `json:"tasks"`
	Overall      string       `json:"overall"` // passed | failed
	Verified     bool         `json:"verified,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Store persists Run records as one JSON file per run under Dir
// (.sykli/history/<timestamp>-<id>.json).
type Store struct {
	Dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) filename(r Run) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%d-%s.json", r.Timestamp.Unix(), r.ID))
}

// Save appends r as a new file (spec §4.7 "append a JSON record per run").
func (s *Store) Save(r Run) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal run: %w", err)
	}
	return os.WriteFile(s.filename(r), data, 0644)
}

// List returns up to limit runs, most recent first. limit <= 0 means all.
func (s *Store) List(limit int) ([]Run, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("history: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	runs := make([]Run, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			continue
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// LoadLatest returns the most recent run, or nil if there is none.
func (s *Store) LoadLatest() (*Run, error) {
	runs, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// LoadLastGood returns the most recent run whose Overall is "passed".
func (s *Store) LoadLastGood() (*Run, error) {
	runs, err := s.List(0)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Overall == "passed" {
			return &runs[i], nil
		}
	}
	return nil, nil
}

// ComputeStreak applies the streak transition function (spec §4.7):
// prev_streak+1 on passed/cached, 0 on failed, unchanged on skipped/blocked.
func ComputeStreak(prevStreak int, status string) int {
	switch status {
	case "passed", "cached":
		return prevStreak + 1
	case "failed":
		return 0
	default: // skipped, blocked
		return prevStreak
	}
}

// LikelyCause computes the git diff between repoDir's current HEAD and
// lastGoodRef, intersecting changed files with each failed task's declared
// inputs globs (spec §4.7).
func LikelyCause(ctx context.Context, repoDir, lastGoodRef string, failedTaskInputs []string) ([]string, error) {
	changed, err := gitutil.DiffNames(ctx, repoDir, lastGoodRef)
	if err != nil {
		return nil, fmt.Errorf("history: likely_cause diff: %w", err)
	}
	matched, err := cache.ExpandGlobs(repoDir, failedTaskInputs)
	if err != nil {
		return nil, fmt.Errorf("history: likely_cause expand globs: %w", err)
	}
	matchedSet := make(map[string]bool, len(matched))
	for _, m := range matched {
		matchedSet[m] = true
	}
	var out []string
	for _, c := range changed {
		if matchedSet[c] {
			out = append(out, c)
		}
	}
	return out, nil
}
