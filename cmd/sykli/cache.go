package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sykli-ci/sykli/internal/cache"
	"github.com/sykli-ci/sykli/internal/config"
)

func cacheDirPath() string {
	return filepath.Join(os.Getenv("HOME"), ".sykli", "cache")
}

func cacheStats(path string) error {
	repo, err := cache.Open(cacheDirPath())
	if err != nil {
		return fmt.Errorf("cmd/sykli: open cache: %w", err)
	}
	stats, err := repo.Stats()
	if err != nil {
		return fmt.Errorf("cmd/sykli: cache stats: %w", err)
	}
	fmt.Printf("entries: %d\nbytes:   %d\n", stats.Count, stats.Bytes)
	return nil
}

func cacheClean(path string) error {
	repo, err := cache.Open(cacheDirPath())
	if err != nil {
		return fmt.Errorf("cmd/sykli: open cache: %w", err)
	}
	return repo.Clean()
}

// cacheGC removes cache entries older than the configured TTL (spec §6.3,
// default 7 days via config.Config.CacheTTLHours).
func cacheGC(path string) error {
	repo, err := cache.Open(cacheDirPath())
	if err != nil {
		return fmt.Errorf("cmd/sykli: open cache: %w", err)
	}
	cfg, err := config.Load(filepath.Join(path, ".sykli", "config.json"))
	if err != nil {
		return err
	}
	return repo.CleanOlderThan(time.Duration(cfg.CacheTTLHours) * time.Hour)
}

// cacheGCSchedule runs gc on a cron schedule (`sykli cache gc --cron`)
// until done fires, for long-lived hosts that would rather not rely on an
// external timer to keep the cache bounded.
func cacheGCSchedule(path, cronExpr string, done <-chan struct{}) error {
	repo, err := cache.Open(cacheDirPath())
	if err != nil {
		return fmt.Errorf("cmd/sykli: open cache: %w", err)
	}
	cfg, err := config.Load(filepath.Join(path, ".sykli", "config.json"))
	if err != nil {
		return err
	}

	c, err := cache.ScheduleGC(repo, cronExpr, time.Duration(cfg.CacheTTLHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("cmd/sykli: schedule gc %q: %w", cronExpr, err)
	}
	<-done
	c.Stop()
	return nil
}
