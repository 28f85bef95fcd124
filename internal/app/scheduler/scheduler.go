// Package scheduler periodically matures reservation holds.
package scheduler

import (
	"context"
	"time"

	"github.com/lojix/wallet/internal/app/logger"
	"github.com/lojix/wallet/internal/app/storage"
)

const scanTimeout = 30 * time.Second

// Run invokes ReleaseMatured on every tick until ctx is cancelled. The scan
// is idempotent, so overlapping or repeated invocations are harmless.
func Run(ctx context.Context, repo storage.Repository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runScan(ctx, repo)

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info().Msg("stopping release scheduler")
			return
		case <-ticker.C:
			runScan(ctx, repo)
		}
	}
}

func runScan(ctx context.Context, repo storage.Repository) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	released, err := repo.ReleaseMatured(ctx, time.Now())
	if err != nil {
		logger.Logger.Err(err).Msg("release scan failed")
		return
	}
	if released > 0 {
		logger.Logger.Info().Int("released", released).Msg("matured holds released")
	}
}
