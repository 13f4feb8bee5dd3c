package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/model"
)

// PruneOnce removes records older than the retention window. Stores without a Pruner rely on
// their own expiry and report zero.
func (s *OTPService) PruneOnce(ctx context.Context) (int64, error) {
	pruner, ok := s.store.(model.Pruner)
	if !ok || s.opts.Retention <= 0 {
		return 0, nil
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.opts.Retention)
	n, err := pruner.PruneBefore(storeCtx, cutoff)
	if err != nil {
		return 0, s.storageError("prune OTPs", err)
	}
	return n, nil
}

// RunJanitor prunes on every PruneInterval until ctx is done.
func (s *OTPService) RunJanitor(ctx context.Context) {
	if _, ok := s.store.(model.Pruner); !ok || s.opts.PruneInterval <= 0 || s.opts.Retention <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	s.logger.Info("OTP janitor started",
		zap.Duration("interval", s.opts.PruneInterval),
		zap.Duration("retention", s.opts.Retention))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("OTP janitor stopped")
			return
		case <-ticker.C:
			n, err := s.PruneOnce(ctx)
			if err != nil {
				s.logger.Warn("OTP prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Pruned stale OTP records", zap.Int64("removed", n))
			}
		}
	}
}
