package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes ledger entries older than a number of days
type Pruner interface {
	Retention(ctx context.Context, maxAgeDays int) (int64, error)
}

// RetentionScheduler runs ledger retention on a cron schedule
type RetentionScheduler struct {
	pruner     Pruner
	cron       *cron.Cron
	maxAgeDays int
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	lastRun time.Time
	lastN   int64
	lastErr error
}

// NewRetentionScheduler registers a retention job for schedule ("@daily", "0 3 * * *", ...)
func NewRetentionScheduler(pruner Pruner, schedule string, maxAgeDays int, logger *zap.Logger) (*RetentionScheduler, error) {
	if maxAgeDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", maxAgeDays)
	}

	s := &RetentionScheduler{
		pruner:     pruner,
		cron:       cron.New(),
		maxAgeDays: maxAgeDays,
		timeout:    5 * time.Minute,
		logger:     logger,
	}

	id, err := s.cron.AddFunc(schedule, s.RunOnce)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start starts the cron scheduler
func (s *RetentionScheduler) Start() {
	s.cron.Start()
	s.logger.Info("retention scheduler started",
		zap.Int("max_age_days", s.maxAgeDays),
		zap.Time("next_run", s.cron.Entry(s.entryID).Next))
}

// Stop stops the scheduler and waits for a running job to finish
func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("retention scheduler stopped")
}

// RunOnce applies retention immediately
func (s *RetentionScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.pruner.Retention(ctx, s.maxAgeDays)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastN = n
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled retention failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled retention completed", zap.Int64("events_deleted", n))
}

// LastRun reports when retention last ran and its outcome
func (s *RetentionScheduler) LastRun() (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastN, s.lastErr
}

// NextRun returns the next scheduled run, zero before Start
func (s *RetentionScheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}
