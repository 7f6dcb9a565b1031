package scheduler

import (
	"context"
	"log/slog"
	"time"

	"nclbk/internal/domain"
)

// Syncer runs one bookmark sync pass.
type Syncer interface {
	Sync(ctx context.Context) (*domain.RunReport, error)
}

type Scheduler struct {
	syncer     Syncer
	interval   time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler. A runTimeout of zero leaves runs unbounded.
func NewScheduler(syncer Syncer, interval, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:     syncer,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Start runs a sync immediately and then on every tick until ctx is done.
// Runs never overlap: a tick that fires during a run is dropped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "run_timeout", s.runTimeout)

	s.runSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	report, err := s.syncer.Sync(syncCtx)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		return
	}

	s.logger.Info("scheduled sync finished",
		"run_id", report.RunID,
		"deleted", report.Deleted,
		"archive_failed", report.ArchiveFailed,
		"delete_failed", report.DeleteFailed,
	)
}
