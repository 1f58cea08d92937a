package dp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dp-sidecar/internal/noise"
)

// QueryMessage tags the state of a count response.
type QueryMessage string

const (
	MessageOK           QueryMessage = "ok"
	MessageStale        QueryMessage = "stale"
	MessageLocked       QueryMessage = "locked"
	MessageInsufficient QueryMessage = "insufficient"
	MessageInitializing QueryMessage = "initializing"
)

// CountResponse is what a caller may learn about an item's count.
// Value and ConfidenceInterval are nil when nothing may be disclosed.
type CountResponse struct {
	ItemID             string          `json:"item_id"`
	Value              *float64        `json:"value"`
	ConfidenceInterval *noise.Interval `json:"confidence_interval"`
	Locked             bool            `json:"locked"`
	Stale              bool            `json:"stale"`
	WindowID           *int64          `json:"window_id"`
	Message            QueryMessage    `json:"message"`
}

// QueryPath serves counts from published releases only. It never draws
// noise; it records the current true value as a draft for the next tick.
type QueryPath struct {
	store        Store
	source       Source
	windows      *WindowManager
	ledger       *Ledger
	mechanism    *noise.Mechanism
	metrics      Metrics
	logger       Logger
	clock        Clock
	draftTimeout time.Duration

	wg sync.WaitGroup
}

// NewQueryPath creates a QueryPath.
func NewQueryPath(store Store, source Source, windows *WindowManager, ledger *Ledger, mechanism *noise.Mechanism, metrics Metrics, logger Logger, clock Clock, draftTimeout time.Duration) *QueryPath {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if draftTimeout <= 0 {
		draftTimeout = 10 * time.Second
	}
	return &QueryPath{
		store:        store,
		source:       source,
		windows:      windows,
		ledger:       ledger,
		mechanism:    mechanism,
		metrics:      metrics,
		logger:       logger,
		clock:        clock,
		draftTimeout: draftTimeout,
	}
}

// GetCount returns the disclosed count for an item. Errors are storage
// failures; every defined non-error state is a Message.
func (p *QueryPath) GetCount(ctx context.Context, itemID string) (*CountResponse, error) {
	defer p.scheduleDraft(ctx, itemID)

	resp, err := p.resolve(ctx, itemID)
	if err != nil {
		return nil, err
	}
	p.metrics.QueryServed(resp.Message)
	return resp, nil
}

func (p *QueryPath) resolve(ctx context.Context, itemID string) (*CountResponse, error) {
	resp := &CountResponse{ItemID: itemID}

	w, err := p.windows.Current(ctx)
	if err != nil {
		return nil, err
	}
	if w == nil {
		resp.Message = MessageInitializing
		return resp, nil
	}

	locked, err := p.ledger.IsLocked(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if locked {
		last, err := p.store.GetLastPublished(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("loading last published release: %w", err)
		}
		p.fill(resp, last)
		resp.Locked = true
		resp.Message = MessageLocked
		return resp, nil
	}

	cur, err := p.store.GetRelease(ctx, itemID, w.ID)
	if err != nil {
		return nil, fmt.Errorf("loading release: %w", err)
	}
	if cur != nil && cur.Status == ReleasePublished {
		if !cur.MeetsThreshold || !cur.RandomizedValue.Valid {
			id := w.ID
			resp.WindowID = &id
			resp.Message = MessageInsufficient
			return resp, nil
		}
		p.fill(resp, cur)
		resp.Message = MessageOK
		return resp, nil
	}

	last, err := p.store.GetLastPublished(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading last published release: %w", err)
	}
	if last == nil || !last.RandomizedValue.Valid {
		resp.Message = MessageInsufficient
		return resp, nil
	}
	p.fill(resp, last)
	resp.Stale = true
	resp.Message = MessageStale
	return resp, nil
}

func (p *QueryPath) fill(resp *CountResponse, r *Release) {
	if r == nil || !r.RandomizedValue.Valid {
		return
	}
	v := r.RandomizedValue.Float64
	ci := p.mechanism.ConfidenceInterval(v)
	id := r.WindowID
	resp.Value = &v
	resp.ConfidenceInterval = &ci
	resp.WindowID = &id
}

// scheduleDraft records the item's current true value as a draft for the
// active window without holding up the response.
func (p *QueryPath) scheduleDraft(ctx context.Context, itemID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.draftTimeout)
		defer cancel()

		if err := p.writeDraft(dctx, itemID); err != nil {
			p.metrics.DraftFailed()
			p.logger.Warn("draft update failed", "item_id", itemID, "error", err)
		}
	}()
}

func (p *QueryPath) writeDraft(ctx context.Context, itemID string) error {
	w, err := p.windows.DraftTarget(ctx)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}

	trueValue, err := p.source.TrueCount(ctx, itemID)
	if err != nil {
		return fmt.Errorf("fetching true count: %w", err)
	}

	now := p.clock.Now()
	return p.store.UpsertDraft(ctx, &Release{
		ItemID:         itemID,
		WindowID:       w.ID,
		TrueValue:      trueValue,
		MeetsThreshold: p.mechanism.CheckThreshold(trueValue),
		Status:         ReleaseDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// Wait blocks until all in-flight draft writes have finished.
func (p *QueryPath) Wait() {
	p.wg.Wait()
}
