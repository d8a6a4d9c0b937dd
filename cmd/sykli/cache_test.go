package main

import (
	"testing"
	"time"

	"github.com/sykli-ci/sykli/internal/cache"
)

func TestCacheStatsOnEmptyCache(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := cacheStats("."); err != nil {
		t.Fatalf("cacheStats: %v", err)
	}
}

func TestCacheCleanRemovesEntries(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	repo, err := cache.Open(cacheDirPath())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	if err := repo.Put("fp", cache.Entry{TaskName: "build", Command: "echo build"}); err != nil {
		t.Fatalf("repo.Put: %v", err)
	}

	if err := cacheClean("."); err != nil {
		t.Fatalf("cacheClean: %v", err)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("repo.Stats: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("expected 0 entries after clean, got %d", stats.Count)
	}
}

func TestCacheGCUsesConfiguredTTL(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := cacheGC(home); err != nil {
		t.Fatalf("cacheGC: %v", err)
	}
}

func TestCacheGCScheduleStopsOnDone(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- cacheGCSchedule(home, "@every 1h", done) }()
	close(done)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("cacheGCSchedule: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected cacheGCSchedule to return once done closed")
	}
}
