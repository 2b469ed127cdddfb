package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 10 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically purges
// sessions idle beyond the retention window. The core never hard-deletes a
// session on its own; this sweeper is the only reclamation path.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				deleted, err := repo.CleanupExpiredSessions(ctx, retention)
				if err != nil {
					slog.Error("Retention worker failed to cleanup sessions", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Retention worker purged idle sessions", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
