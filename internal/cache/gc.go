package cache

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleGC runs CleanOlderThan(maxAge) on the cron schedule expr
// (standard 5-field crontab syntax) until the returned *cron.Cron is
// stopped. Used by `sykli cache gc --cron` to keep a long-lived daemon's
// cache bounded without an external timer.
func ScheduleGC(r *Repository, expr string, maxAge time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if err := r.CleanOlderThan(maxAge); err != nil {
			slog.Warn("cache: scheduled gc failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
