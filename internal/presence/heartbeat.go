package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunHeartbeat refreshes every local handle in the ledger until ctx is done.
func RunHeartbeat(ctx context.Context, registry *Registry, ledger Ledger, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			handles := registry.Handles()
			if err := ledger.Refresh(ctx, handles); err != nil {
				logger.Warn("presence heartbeat failed", zap.Int("handles", len(handles)), zap.Error(err))
			}
		}
	}
}
