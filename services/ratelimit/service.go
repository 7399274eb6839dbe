package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts is the number of override attempts allowed per window.
	DefaultMaxAttempts = 3
	// DefaultWindow is the trailing window over which attempts are counted.
	DefaultWindow = 60 * time.Second
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// AttemptLimiter throttles attempts per client identity over a trailing window.
// Expired timestamps are pruned lazily on access.
type AttemptLimiter struct {
	maxAttempts int
	window      time.Duration
	now         Clock
	logger      *zap.Logger

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// Option configures an AttemptLimiter.
type Option func(*AttemptLimiter)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(l *AttemptLimiter) { l.now = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *AttemptLimiter) { l.logger = logger }
}

// NewAttemptLimiter creates a limiter allowing maxAttempts per window.
// Non-positive arguments fall back to the defaults.
func NewAttemptLimiter(maxAttempts int, window time.Duration, opts ...Option) *AttemptLimiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &AttemptLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		logger:      zap.NewNop(),
		attempts:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord reports whether id has fewer than maxAttempts attempts inside
// the trailing window. Only allowed attempts are recorded, so retrying while
// throttled does not extend the lockout.
func (l *AttemptLimiter) CheckAndRecord(id string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(id, now)
	if len(recent) >= l.maxAttempts {
		l.logger.Warn("attempt rate limit exceeded",
			zap.String("identity", id),
			zap.Int("attempts", len(recent)),
			zap.Duration("window", l.window))
		return false
	}
	l.attempts[id] = append(recent, now)
	return true
}

// Reset clears the attempt history for id.
func (l *AttemptLimiter) Reset(id string) {
	l.mu.Lock()
	delete(l.attempts, id)
	l.mu.Unlock()
}

// Remaining returns how many attempts id may still make in the current window.
func (l *AttemptLimiter) Remaining(id string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.maxAttempts - len(l.prune(id, now))
	if n < 0 {
		return 0
	}
	return n
}

// prune drops timestamps older than the window. Caller holds mu.
func (l *AttemptLimiter) prune(id string, now time.Time) []time.Time {
	ts := l.attempts[id]
	cutoff := now.Add(-l.window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, id)
		return nil
	}
	l.attempts[id] = kept
	return kept
}

// Prune evicts identities with no attempts inside the window and returns how many were removed.
func (l *AttemptLimiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.attempts)
	for id := range l.attempts {
		l.prune(id, now)
	}
	return before - len(l.attempts)
}

// Tracked returns the number of identities currently holding attempts.
func (l *AttemptLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// StartCleanupWorker periodically evicts idle identities until ctx is done.
func (l *AttemptLimiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("started attempt limiter cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("window", l.window))

	for {
		select {
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				l.logger.Debug("evicted idle rate limit identities", zap.Int("count", n))
			}
		case <-ctx.Done():
			l.logger.Info("stopping attempt limiter cleanup worker")
			return
		}
	}
}
