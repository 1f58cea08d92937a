package dp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Retention removes data that no longer matters for disclosure or
// accounting. Published releases are never pruned: they are the ledger's
// source of truth.
type Retention struct {
	store  Store
	keep   time.Duration
	clock  Clock
	logger Logger
}

// NewRetention creates a Retention that keeps keep worth of closed windows.
func NewRetention(store Store, keep time.Duration, clock Clock, logger Logger) *Retention {
	return &Retention{store: store, keep: keep, clock: clock, logger: logger}
}

// PruneResult reports what a retention pass deleted.
type PruneResult struct {
	Drafts  int64
	Windows int64
}

// Prune deletes stale drafts and empty windows that ended before the cutoff.
func (r *Retention) Prune(ctx context.Context) (*PruneResult, error) {
	cutoff := r.clock.Now().Add(-r.keep)

	drafts, err := r.store.PruneDrafts(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pruning drafts: %w", err)
	}
	windows, err := r.store.PruneEmptyWindows(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pruning windows: %w", err)
	}

	r.logger.Info("retention pass complete", "cutoff", cutoff, "drafts", drafts, "windows", windows)
	return &PruneResult{Drafts: drafts, Windows: windows}, nil
}

// Scheduler drives the publish cycle from a single background loop.
// Ticks never overlap: a trigger arriving while a tick runs is skipped.
type Scheduler struct {
	publisher     *Publisher
	retention     *Retention // optional
	pollInterval  time.Duration
	pruneInterval time.Duration
	logger        Logger

	mu sync.Mutex
}

// NewScheduler creates a Scheduler. pollInterval is how often the active
// window is checked for expiry; it should be well below the window duration.
func NewScheduler(publisher *Publisher, retention *Retention, pollInterval, pruneInterval time.Duration, logger Logger) *Scheduler {
	return &Scheduler{
		publisher:     publisher,
		retention:     retention,
		pollInterval:  pollInterval,
		pruneInterval: pruneInterval,
		logger:        logger,
	}
}

// Trigger runs one tick unless another is in progress, in which case it
// returns ErrTickInProgress.
func (s *Scheduler) Trigger(ctx context.Context, force bool) (*TickResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.mu.Unlock()
	return s.publisher.Tick(ctx, force)
}

// Prune runs one retention pass under the tick guard.
func (s *Scheduler) Prune(ctx context.Context) (*PruneResult, error) {
	if s.retention == nil {
		return &PruneResult{}, nil
	}
	if !s.mu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.mu.Unlock()
	return s.retention.Prune(ctx)
}

// Run ticks immediately and then every poll interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval, "prune_interval", s.pruneInterval)

	s.tick(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var pruneC <-chan time.Time
	if s.retention != nil && s.pruneInterval > 0 {
		pruneTicker := time.NewTicker(s.pruneInterval)
		defer pruneTicker.Stop()
		pruneC = pruneTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-pruneC:
			if _, err := s.Prune(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				s.logger.Error("retention pass failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.Trigger(ctx, false)
	switch {
	case errors.Is(err, ErrTickInProgress):
		s.logger.Warn("previous tick still running, skipping")
	case err != nil:
		s.logger.Error("publish tick failed", "error", err)
	case res.Bootstrapped:
		s.logger.Info("first window created", "window_id", res.WindowID)
	}
}
