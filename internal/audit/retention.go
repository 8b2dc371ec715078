package audit

import (
	"context"
	"time"

	"github.com/jwalitptl/policy-engine/pkg/logger"
)

// RetentionWorker deletes audit entries past the retention window on a
// fixed interval.
type RetentionWorker struct {
	emitter       *PostgresEmitter
	retentionDays int
	interval      time.Duration
	logger        *logger.Logger
}

func NewRetentionWorker(emitter *PostgresEmitter, retentionDays int, interval time.Duration, log *logger.Logger) *RetentionWorker {
	return &RetentionWorker{
		emitter:       emitter,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        log,
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -w.retentionDays)
			deleted, err := w.emitter.Cleanup(ctx, cutoff)
			if err != nil {
				w.logger.Error(err, "audit retention cleanup failed")
				continue
			}
			if deleted > 0 {
				w.logger.Info("audit retention cleanup", "deleted", deleted)
			}
		}
	}
}
