package dp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dp-sidecar/internal/noise"
)

// TickResult summarizes one publish tick.
type TickResult struct {
	WindowID     int64 // window that was published, or the bootstrapped window
	NextWindowID int64
	Bootstrapped bool // no active window existed; one was created
	NotDue       bool // active window still open and the tick was not forced
	AlreadyDone  bool // window was already closed
	Outcomes     map[Outcome]int
}

// Publisher runs the publish cycle: it turns the active window's true
// counts into published releases, reusing the previous randomized value
// whenever the true value is unchanged, and charging budget only for new
// draws.
type Publisher struct {
	store         Store
	source        Source
	mechanism     *noise.Mechanism
	ledger        *Ledger
	windows       *WindowManager
	snapshots     *Snapshotter // optional
	metrics       Metrics
	logger        Logger
	clock         Clock
	idgen         IDGenerator
	sourceTimeout time.Duration
}

// PublisherDeps holds the collaborators of a Publisher.
type PublisherDeps struct {
	Store         Store
	Source        Source
	Mechanism     *noise.Mechanism
	Ledger        *Ledger
	Windows       *WindowManager
	Snapshots     *Snapshotter
	Metrics       Metrics
	Logger        Logger
	Clock         Clock
	IDGen         IDGenerator
	SourceTimeout time.Duration
}

// NewPublisher creates a Publisher.
func NewPublisher(d PublisherDeps) *Publisher {
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.SourceTimeout <= 0 {
		d.SourceTimeout = 10 * time.Second
	}
	return &Publisher{
		store:         d.Store,
		source:        d.Source,
		mechanism:     d.Mechanism,
		ledger:        d.Ledger,
		windows:       d.Windows,
		snapshots:     d.Snapshots,
		metrics:       d.Metrics,
		logger:        d.Logger,
		clock:         d.Clock,
		idgen:         d.IDGen,
		sourceTimeout: d.SourceTimeout,
	}
}

// Tick runs one scheduled step. With no active window it bootstraps one and
// returns. Otherwise it publishes the active window once it is due, or
// immediately when force is set.
func (p *Publisher) Tick(ctx context.Context, force bool) (*TickResult, error) {
	active, err := p.windows.DraftTarget(ctx)
	if err != nil {
		return nil, err
	}

	if active == nil {
		w, err := p.windows.Rotate(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping window: %w", err)
		}
		p.logger.Info("bootstrapped first window", "window_id", w.ID)
		return &TickResult{WindowID: w.ID, NextWindowID: w.ID, Bootstrapped: true}, nil
	}

	if !force && !p.windows.Due(active) {
		return &TickResult{WindowID: active.ID, NotDue: true}, nil
	}

	return p.PublishWindow(ctx, active.ID)
}

// PublishWindow publishes every tracked item for the window and rotates to
// the next window. Publishing a closed window is a no-op, so a retried tick
// never charges twice.
func (p *Publisher) PublishWindow(ctx context.Context, windowID int64) (result *TickResult, err error) {
	started := p.clock.Now()
	defer func() {
		p.metrics.TickFinished(p.clock.Now().Sub(started), err)
	}()

	w, err := p.store.GetWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("loading window: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("window %d: %w", windowID, ErrWindowNotFound)
	}
	if w.Status == WindowClosed {
		p.logger.Debug("window already published", "window_id", windowID)
		return &TickResult{WindowID: windowID, AlreadyDone: true}, nil
	}

	run, err := p.store.CreatePublishRun(ctx, p.idgen.New(), windowID, started)
	if err != nil {
		return nil, fmt.Errorf("recording publish run: %w", err)
	}

	items, err := p.store.ListTrackedItems(ctx)
	if err != nil {
		p.finishRun(ctx, run, "error")
		return nil, fmt.Errorf("listing tracked items: %w", err)
	}

	p.logger.Info("publishing window", "window_id", windowID, "items", len(items), "run_id", run.RunID)

	result = &TickResult{WindowID: windowID, Outcomes: make(map[Outcome]int)}
	for _, item := range items {
		outcome, err := p.publishItem(ctx, w, item)
		if err != nil {
			// One broken item never holds up the rest of the window.
			p.logger.Error("publishing item failed", "item_id", item, "window_id", windowID, "error", err)
			outcome = OutcomeError
		}
		result.Outcomes[outcome]++
		p.metrics.ItemProcessed(outcome)
		countOutcome(run, outcome)
	}

	next, err := p.windows.Rotate(ctx)
	if err != nil {
		p.finishRun(ctx, run, "error")
		return nil, fmt.Errorf("rotating window: %w", err)
	}
	result.NextWindowID = next.ID

	status := "success"
	if run.Errors > 0 {
		status = "error"
	}
	p.finishRun(ctx, run, status)

	p.logger.Info("window published",
		"window_id", windowID,
		"new_draws", run.NewDraws,
		"reused", run.Reused,
		"below_threshold", run.BelowThreshold,
		"locked_skips", run.LockedSkips,
		"errors", run.Errors,
	)

	if p.snapshots != nil {
		if err := p.snapshots.Snapshot(ctx, windowID); err != nil {
			p.logger.Error("archiving ledger snapshot failed", "window_id", windowID, "error", err)
		}
	}

	return result, nil
}

// publishItem applies the per-item state machine. The release write and
// the budget charge share one transaction.
func (p *Publisher) publishItem(ctx context.Context, w *Window, itemID string) (Outcome, error) {
	sctx, cancel := context.WithTimeout(ctx, p.sourceTimeout)
	trueValue, err := p.source.TrueCount(sctx, itemID)
	cancel()
	if err != nil {
		return OutcomeError, fmt.Errorf("fetching true count: %w", err)
	}

	if !p.mechanism.CheckThreshold(trueValue) {
		return OutcomeBelowThreshold, nil
	}

	epsilon := p.ledger.Policy().EpsilonPerRelease
	var outcome Outcome

	err = p.store.InTx(ctx, func(q Queries) error {
		existing, err := q.GetRelease(ctx, itemID, w.ID)
		if err != nil {
			return fmt.Errorf("loading release: %w", err)
		}
		if existing != nil && existing.Status == ReleasePublished {
			outcome = OutcomeAlreadyPublished
			return nil
		}

		prev, err := q.GetLastPublishedBefore(ctx, itemID, w.ID)
		if err != nil {
			return fmt.Errorf("loading last published release: %w", err)
		}

		now := p.clock.Now()
		rel := &Release{
			ItemID:         itemID,
			WindowID:       w.ID,
			TrueValue:      trueValue,
			MeetsThreshold: true,
			Status:         ReleasePublished,
			CreatedAt:      now,
			UpdatedAt:      now,
			PublishedAt:    sql.NullTime{Time: now, Valid: true},
		}

		if prev != nil && prev.TrueValue == trueValue && prev.RandomizedValue.Valid {
			rel.RandomizedValue = prev.RandomizedValue
			rel.EpsilonCharged = 0
			if err := q.UpsertPublished(ctx, rel); err != nil {
				return fmt.Errorf("publishing reused release: %w", err)
			}
			outcome = OutcomeReused
			return nil
		}

		ledger := p.ledger.WithQueries(q)
		ok, remaining, err := ledger.CheckBudget(ctx, itemID, epsilon)
		if err != nil {
			return err
		}
		if !ok {
			if err := ledger.Lock(ctx, itemID); err != nil {
				return err
			}
			p.logger.Info("budget exhausted, release skipped", "item_id", itemID, "remaining", remaining)
			outcome = OutcomeLockedSkip
			return nil
		}

		noisy, err := p.mechanism.AddNoise(trueValue)
		if err != nil {
			return err
		}
		rel.RandomizedValue = sql.NullFloat64{Float64: noisy, Valid: true}
		rel.EpsilonCharged = epsilon
		if err := q.UpsertPublished(ctx, rel); err != nil {
			return fmt.Errorf("publishing release: %w", err)
		}

		left, err := ledger.Deduct(ctx, itemID, epsilon)
		if err != nil {
			return err
		}
		p.logger.Debug("new release drawn", "item_id", itemID, "window_id", w.ID, "remaining", left)
		outcome = OutcomeNewDraw
		return nil
	})
	if errors.Is(err, ErrAlreadyPublished) {
		return OutcomeAlreadyPublished, nil
	}
	if err != nil {
		return OutcomeError, err
	}

	if outcome == OutcomeNewDraw {
		p.metrics.EpsilonCharged(epsilon)
	}
	return outcome, nil
}

func (p *Publisher) finishRun(ctx context.Context, run *PublishRun, status string) {
	run.Status = status
	run.FinishedAt = sql.NullTime{Time: p.clock.Now(), Valid: true}
	if err := p.store.FinishPublishRun(ctx, run); err != nil {
		p.logger.Error("finishing publish run failed", "run_id", run.RunID, "error", err)
	}
}

func countOutcome(run *PublishRun, o Outcome) {
	switch o {
	case OutcomeNewDraw:
		run.NewDraws++
	case OutcomeReused:
		run.Reused++
	case OutcomeBelowThreshold:
		run.BelowThreshold++
	case OutcomeLockedSkip:
		run.LockedSkips++
	case OutcomeAlreadyPublished:
		run.AlreadyPublished++
	case OutcomeError:
		run.Errors++
	}
}
