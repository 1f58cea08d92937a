package dp

import (
	"context"
	"fmt"
	"time"

	"dp-sidecar/internal/noise"
)

// Settings holds the tunables of the release engine.
type Settings struct {
	Budget        BudgetPolicy
	Windows       WindowSchedule
	PollInterval  time.Duration
	PruneInterval time.Duration
	Retention     time.Duration
	SourceTimeout time.Duration
}

// Deps holds the collaborators of the release engine.
type Deps struct {
	Store     Store
	Source    Source
	Mechanism *noise.Mechanism
	Snapshots *Snapshotter // optional
	Metrics   Metrics      // optional
	Logger    Logger
	Clock     Clock
	IDGen     IDGenerator
}

// Service wires the ledger, windows, publish cycle and query path around
// one store. It is constructed once per process and shared by the HTTP
// handlers and the background scheduler.
type Service struct {
	store     Store
	ledger    *Ledger
	windows   *WindowManager
	publisher *Publisher
	scheduler *Scheduler
	query     *QueryPath
	logger    Logger
	clock     Clock
}

// NewService creates a Service.
func NewService(s Settings, d Deps) *Service {
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}

	ledger := NewLedger(d.Store, s.Budget, d.Clock)
	windows := NewWindowManager(d.Store, s.Windows, d.Clock, d.Logger)
	publisher := NewPublisher(PublisherDeps{
		Store:         d.Store,
		Source:        d.Source,
		Mechanism:     d.Mechanism,
		Ledger:        ledger,
		Windows:       windows,
		Snapshots:     d.Snapshots,
		Metrics:       d.Metrics,
		Logger:        d.Logger,
		Clock:         d.Clock,
		IDGen:         d.IDGen,
		SourceTimeout: s.SourceTimeout,
	})

	var retention *Retention
	if s.Retention > 0 {
		retention = NewRetention(d.Store, s.Retention, d.Clock, d.Logger)
	}

	return &Service{
		store:     d.Store,
		ledger:    ledger,
		windows:   windows,
		publisher: publisher,
		scheduler: NewScheduler(publisher, retention, s.PollInterval, s.PruneInterval, d.Logger),
		query:     NewQueryPath(d.Store, d.Source, windows, ledger, d.Mechanism, d.Metrics, d.Logger, d.Clock, s.SourceTimeout),
		logger:    d.Logger,
		clock:     d.Clock,
	}
}

// GetCount returns the disclosed count for an item.
func (s *Service) GetCount(ctx context.Context, itemID string) (*CountResponse, error) {
	return s.query.GetCount(ctx, itemID)
}

// GetBudget returns the lifetime budget report for an item.
func (s *Service) GetBudget(ctx context.Context, itemID string) (*LifetimeStats, error) {
	return s.ledger.LifetimeStats(ctx, itemID)
}

// Tick runs one publish tick. force publishes the active window even if it
// has not expired yet.
func (s *Service) Tick(ctx context.Context, force bool) (*TickResult, error) {
	return s.scheduler.Trigger(ctx, force)
}

// Prune runs one retention pass.
func (s *Service) Prune(ctx context.Context) (*PruneResult, error) {
	return s.scheduler.Prune(ctx)
}

// Run drives the scheduler until ctx is done, then waits for pending drafts.
func (s *Service) Run(ctx context.Context) error {
	err := s.scheduler.Run(ctx)
	s.query.Wait()
	return err
}

// Wait blocks until in-flight draft writes finish.
func (s *Service) Wait() {
	s.query.Wait()
}

// MinRating and MaxRating bound locally recorded ratings.
const (
	MinRating = 1
	MaxRating = 5
)

// Rate records a user's rating of an item in the local ratings table.
// Out of range ratings are clamped.
func (s *Service) Rate(ctx context.Context, itemID, userID string, rating int) (int, error) {
	if itemID == "" || userID == "" {
		return 0, fmt.Errorf("item and user are required")
	}
	rating = min(max(rating, MinRating), MaxRating)
	if err := s.store.UpsertRating(ctx, itemID, userID, rating, s.clock.Now()); err != nil {
		return 0, fmt.Errorf("recording rating: %w", err)
	}
	s.logger.Debug("rating recorded", "item_id", itemID, "rating", rating)
	return rating, nil
}

// ReleaseHistory returns an item's published releases, newest first.
func (s *Service) ReleaseHistory(ctx context.Context, itemID string, limit int) ([]*Release, error) {
	releases, err := s.store.ListPublished(ctx, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	return releases, nil
}

// PublishHistory returns the most recent publish runs.
func (s *Service) PublishHistory(ctx context.Context, limit int) ([]*PublishRun, error) {
	runs, err := s.store.ListPublishRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing publish runs: %w", err)
	}
	return runs, nil
}

// CurrentWindow returns the window readers currently see.
func (s *Service) CurrentWindow(ctx context.Context) (*Window, error) {
	return s.windows.Current(ctx)
}
