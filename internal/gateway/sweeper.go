package gateway

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often expired sessions are looked for.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically removes
// sessions idle longer than ttl from the store and drops their replay
// buffers.
func (h *Handler) StartSweeper(ctx context.Context, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		h.logger.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				h.sweep(ctx, ttl)
			case <-ctx.Done():
				h.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (h *Handler) sweep(ctx context.Context, ttl time.Duration) {
	deleted, err := h.repo.DeleteExpiredSessions(ctx, ttl)
	if err != nil {
		h.logger.Error("Session sweeper failed to delete expired sessions", "error", err)
	} else if deleted > 0 {
		h.logger.Info("Session sweeper removed expired sessions", "count", deleted)
	}

	if pruned := h.replay.PruneIdle(time.Now().Add(-ttl)); pruned > 0 {
		h.logger.Info("Session sweeper dropped idle replay buffers", "count", pruned)
	}
}
