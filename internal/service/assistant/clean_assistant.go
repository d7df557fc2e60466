package assistant

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultProvisionalTTL             = time.Hour
	DefaultProvisionalCleanupInterval = 10 * time.Minute
)

// RunProvisionalCleaner deletes fragments of turns that never finished, for
// example after a crash mid-stream. It blocks until ctx is done.
func (s *Service) RunProvisionalCleaner(ctx context.Context, ttl, interval time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultProvisionalTTL
	}
	if interval <= 0 {
		interval = DefaultProvisionalCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cleanupProvisional(ctx, ttl)
		}
	}
}

func (s *Service) cleanupProvisional(ctx context.Context, ttl time.Duration) int64 {
	n, err := s.DeleteProvisionalBefore(ctx, s.now().Add(-ttl))
	if err != nil {
		s.logger.Warn("cleanup provisional messages", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("removed stale provisional messages", zap.Int64("count", n))
	}
	return n
}
