// internal/checkpoint/scheduler.go
package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler creates automatic checkpoints in the background. It wakes on every poll
// tick and whenever the tracker signals that the file threshold was reached.
type Scheduler struct {
	manager *Manager
	poll    time.Duration
	logger  *zap.Logger
}

// NewScheduler creates a scheduler for m.
func NewScheduler(m *Manager) *Scheduler {
	return &Scheduler{
		manager: m,
		poll:    m.cfg.PollInterval,
		logger:  m.logger.Named("scheduler"),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info("auto checkpoint scheduler started", zap.Duration("poll", s.poll))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auto checkpoint scheduler stopped")
			return
		case <-ticker.C:
		case <-s.manager.tracker.Signal():
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	cp, err := s.manager.AutoCheckpoint(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("auto checkpoint failed", zap.Error(err))
		return
	}
	if cp != nil {
		s.logger.Debug("auto checkpoint taken", zap.String("checkpoint_id", cp.ID))
	}
}
