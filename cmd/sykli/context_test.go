package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteContextProducesSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"true"}]}`)

	require.NoError(t, writeContext(context.Background(), dir))

	data, err := os.ReadFile(filepath.Join(dir, ".sykli", "context.json"))
	require.NoError(t, err)

	var snap contextSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Contains(t, snap.Tasks, "build")
	require.Len(t, snap.Levels, 1)
}

func TestWriteContextIncludesHistory(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"true"}]}`)
	t.Setenv("HOME", dir)

	require.NoError(t, runPipeline(context.Background(), dir, &globalFlags{}))
	require.NoError(t, writeContext(context.Background(), dir))

	data, err := os.ReadFile(filepath.Join(dir, ".sykli", "context.json"))
	require.NoError(t, err)

	var snap contextSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.NotNil(t, snap.LastRun)
	require.Len(t, snap.RecentRuns, 1)
}
