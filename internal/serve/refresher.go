package serve

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftline/snapgate/internal/cache"
)

type refresher struct {
	logger   *slog.Logger
	mgr      *cache.Manager
	interval time.Duration
}

// StartRefresher pre-warms the cache on a fixed interval so the first request
// after a promotion does not pay the download. Interval <= 0 disables it.
func StartRefresher(ctx context.Context, logger *slog.Logger, mgr *cache.Manager, interval time.Duration) {
	if mgr == nil || interval <= 0 {
		return
	}
	r := &refresher{logger: logger, mgr: mgr, interval: interval}
	go r.run(ctx)
}

func (r *refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *refresher) refreshOnce(ctx context.Context) {
	if _, err := r.mgr.Acquire(ctx); err != nil {
		r.logger.Warn("background refresh failed", "error", err)
		return
	}
	if err := r.mgr.PruneStale(); err != nil {
		r.logger.Warn("prune failed", "error", err)
	}
}
