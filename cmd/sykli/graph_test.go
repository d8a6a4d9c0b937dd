package main

import (
	"context"
	"testing"
)

func TestRunGraphRejectsNonJSONFormat(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"true"}]}`)

	err := runGraph(context.Background(), dir, "mermaid")
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestRunGraphJSONSucceeds(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, `{"version":"1","tasks":[{"name":"build","command":"true"}]}`)

	if err := runGraph(context.Background(), dir, "json"); err != nil {
		t.Fatalf("runGraph: %v", err)
	}
}
