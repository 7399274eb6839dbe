package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/repositories"
	"github.com/upb/llm-enforcement-gateway/services"
	"go.uber.org/zap"
)

// Config holds configuration for the ledger Service
type Config struct {
	BufferSize   int           // Size of the write queue
	WriteTimeout time.Duration // Deadline for a single write
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
	}
}

type writeResult struct {
	n   int64
	err error
}

type writeJob struct {
	ctx   context.Context
	op    string
	fn    func(ctx context.Context) (int64, error)
	reply chan writeResult
}

// Service owns the ledger. A single worker performs every write in arrival
// order; callers block until their write is durable.
type Service struct {
	repo         repositories.LedgerRepository
	logger       *zap.Logger
	jobs         chan writeJob
	bufferSize   int
	writeTimeout time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}

	written atomic.Int64
	failed  atomic.Int64
}

// NewService creates a new ledger Service. Call Start before writing.
func NewService(repo repositories.LedgerRepository, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Service{
		repo:         repo,
		logger:       logger,
		jobs:         make(chan writeJob, config.BufferSize),
		bufferSize:   config.BufferSize,
		writeTimeout: config.WriteTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// SetClock overrides the time source used for retention and stats windows
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Start starts the writer
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("ledger service already started")
	}

	go s.worker()

	s.started = true
	s.logger.Info("started ledger service", zap.Int("buffer_size", s.bufferSize))
	return nil
}

// Stop stops accepting writes and waits for queued ones to finish
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("ledger service not running")
	}
	s.stopped = true
	pending := len(s.jobs)
	close(s.jobs)
	s.mu.Unlock()

	s.logger.Info("stopping ledger service", zap.Int("pending_writes", pending))

	select {
	case <-s.done:
		s.logger.Info("ledger service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ledger service stop timeout after %v", timeout)
	}
}

func (s *Service) worker() {
	defer close(s.done)

	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), s.writeTimeout)
		n, err := job.fn(ctx)
		cancel()

		if err != nil {
			s.failed.Add(1)
			s.logger.Error("ledger write failed", zap.String("op", job.op), zap.Error(err))
		} else {
			s.written.Add(1)
		}
		job.reply <- writeResult{n: n, err: err}
	}
}

// do enqueues fn on the writer and waits for its result. A caller whose
// context ends while waiting gets ctx.Err(); the write itself still runs.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	job := writeJob{ctx: ctx, op: op, fn: fn, reply: make(chan writeResult, 1)}

	s.mu.RLock()
	if !s.started || s.stopped {
		s.mu.RUnlock()
		return 0, services.ErrLedgerStopped
	}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		s.mu.RUnlock()
		return 0, ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case res := <-job.reply:
		return res.n, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Append durably records an enforcement decision and returns its id
func (s *Service) Append(ctx context.Context, event *models.AuditEvent) (int64, error) {
	id, err := s.do(ctx, "append", func(ctx context.Context) (int64, error) {
		return s.repo.Append(ctx, event)
	})
	if err != nil {
		return 0, services.NewDomainError(services.ErrorTypeStorage, services.ErrLedgerWrite.Message, err)
	}
	return id, nil
}

// AppendAdmin durably records an administrative change and returns its id
func (s *Service) AppendAdmin(ctx context.Context, event *models.AdminEvent) (int64, error) {
	id, err := s.do(ctx, "append_admin", func(ctx context.Context) (int64, error) {
		return s.repo.AppendAdmin(ctx, event)
	})
	if err != nil {
		return 0, services.NewDomainError(services.ErrorTypeStorage, services.ErrLedgerWrite.Message, err)
	}
	return id, nil
}

// Query returns ledger events matching filter, newest first
func (s *Service) Query(ctx context.Context, filter repositories.EventFilter) ([]*models.AuditEvent, error) {
	events, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeStorage, services.ErrLedgerRead.Message, err)
	}
	return events, nil
}

// QueryAdmin returns administrative events matching filter, newest first
func (s *Service) QueryAdmin(ctx context.Context, filter repositories.AdminEventFilter) ([]*models.AdminEvent, error) {
	events, err := s.repo.QueryAdmin(ctx, filter)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeStorage, services.ErrLedgerRead.Message, err)
	}
	return events, nil
}

// Aggregate computes statistics over the trailing number of days
func (s *Service) Aggregate(ctx context.Context, days, topN int) (*models.EnforcementStats, error) {
	if days <= 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "days must be positive", nil)
	}
	now := s.now().UTC()
	stats, err := s.repo.Aggregate(ctx, repositories.StatsWindow{
		Since: now.Add(-time.Duration(days) * 24 * time.Hour),
		Until: now,
		TopN:  topN,
	})
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeStorage, services.ErrLedgerRead.Message, err)
	}
	return stats, nil
}

// Retention deletes events older than maxAgeDays from the ledger and returns
// the number of enforcement events removed.
func (s *Service) Retention(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "max_age_days must be positive", nil)
	}
	cutoff := s.now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	n, err := s.do(ctx, "retention", func(ctx context.Context) (int64, error) {
		res, err := s.repo.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		s.logger.Info("ledger retention completed",
			zap.Int("max_age_days", maxAgeDays),
			zap.Int64("events_deleted", res.Events),
			zap.Int64("admin_events_deleted", res.AdminEvents))
		return res.Events, nil
	})
	if err != nil {
		return 0, services.WrapStorage("ledger retention failed", err)
	}
	return n, nil
}

// HealthCheck reports whether the underlying store is reachable
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

// GetStats returns statistics about the ledger writer
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingWrites: len(s.jobs),
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Started:       s.started && !s.stopped,
	}
}

// Stats represents ledger writer statistics
type Stats struct {
	BufferSize    int   `json:"buffer_size"`
	PendingWrites int   `json:"pending_writes"`
	Written       int64 `json:"written"`
	Failed        int64 `json:"failed"`
	Started       bool  `json:"started"`
}
