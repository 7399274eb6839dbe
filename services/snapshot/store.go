// Package snapshot holds the enforcement configuration evaluated by the
// decision engine. Readers load an immutable snapshot; writers copy, mutate
// and publish a replacement atomically.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/upb/llm-enforcement-gateway/models"
	"go.uber.org/zap"
)

// Persister stores a published snapshot outside the process.
type Persister interface {
	Save(ctx context.Context, snap *models.Snapshot) error
}

// Store publishes configuration snapshots.
type Store struct {
	current   atomic.Pointer[models.Snapshot]
	writeMu   sync.Mutex
	persistMu sync.Mutex
	persister Persister
	logger    *zap.Logger
}

// NewStore creates a store seeded with initial. A nil persister keeps the
// configuration in memory only.
func NewStore(initial *models.Snapshot, persister Persister, logger *zap.Logger) *Store {
	if initial == nil {
		initial = models.NewSnapshot()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{persister: persister, logger: logger}
	s.current.Store(initial.Clone())
	return s
}

// Current returns the published snapshot. Callers must not mutate it.
func (s *Store) Current() *models.Snapshot {
	return s.current.Load()
}

// Update applies fn to a copy of the current snapshot and publishes the copy
// if fn succeeds. The write lock covers only the copy-mutate-swap; persistence
// happens after it is released.
func (s *Store) Update(ctx context.Context, fn func(*models.Snapshot) error) (*models.Snapshot, error) {
	s.writeMu.Lock()
	next := s.current.Load().Clone()
	if err := fn(next); err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	s.current.Store(next)
	s.writeMu.Unlock()

	if err := s.persist(ctx); err != nil {
		return next, err
	}
	return next, nil
}

// Replace publishes snap wholesale, for example after reloading from disk.
func (s *Store) Replace(ctx context.Context, snap *models.Snapshot) error {
	s.writeMu.Lock()
	s.current.Store(snap.Clone())
	s.writeMu.Unlock()
	return s.persist(ctx)
}

// persist writes whatever is current when the persist lock is acquired, so a
// slow writer never overwrites a newer snapshot with an older one.
func (s *Store) persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.persister.Save(ctx, s.current.Load()); err != nil {
		s.logger.Error("failed to persist configuration snapshot", zap.Error(err))
		return err
	}
	return nil
}
