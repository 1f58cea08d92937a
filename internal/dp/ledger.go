package dp

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// budgetTolerance absorbs floating point error when comparing epsilon sums.
const budgetTolerance = 1e-9

// BudgetPolicy is the per-item lifetime budget configuration.
type BudgetPolicy struct {
	LifetimeCap       float64
	EpsilonPerRelease float64
}

// Ledger tracks lifetime epsilon spent per item and owns the permanent lock.
// The remaining budget is recomputed from published releases; the persisted
// lock flag is the cached answer once set.
type Ledger struct {
	q      Queries
	policy BudgetPolicy
	clock  Clock
}

// NewLedger creates a Ledger reading and writing through q.
func NewLedger(q Queries, policy BudgetPolicy, clock Clock) *Ledger {
	return &Ledger{q: q, policy: policy, clock: clock}
}

// WithQueries returns a Ledger bound to q, typically a transaction.
func (l *Ledger) WithQueries(q Queries) *Ledger {
	return &Ledger{q: q, policy: l.policy, clock: l.clock}
}

// Policy returns the budget policy.
func (l *Ledger) Policy() BudgetPolicy { return l.policy }

// CheckBudget reports whether the item can afford a release costing needed.
// A locked item is always denied, whatever the arithmetic says.
func (l *Ledger) CheckBudget(ctx context.Context, itemID string, needed float64) (bool, float64, error) {
	rec, err := l.q.GetBudget(ctx, itemID)
	if err != nil {
		return false, 0, fmt.Errorf("loading budget: %w", err)
	}

	remaining, err := l.remaining(ctx, itemID, rec)
	if err != nil {
		return false, 0, err
	}

	if rec != nil && rec.Locked {
		return false, remaining, nil
	}
	return remaining+budgetTolerance >= needed, remaining, nil
}

// Deduct charges epsilon to the item and returns the remaining budget.
// The first charge creates the record with the full cap. Once the remaining
// budget no longer exceeds one release, the item is locked for good.
func (l *Ledger) Deduct(ctx context.Context, itemID string, epsilon float64) (float64, error) {
	now := l.clock.Now()

	if err := l.q.InitBudget(ctx, itemID, l.policy.LifetimeCap, now); err != nil {
		return 0, fmt.Errorf("initializing budget: %w", err)
	}

	n, err := l.q.AddBudgetCharge(ctx, itemID, epsilon, now)
	if err != nil {
		return 0, fmt.Errorf("charging budget: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("charging %q: no budget row after initialization: %w", itemID, ErrLedgerInvariant)
	}

	rec, err := l.q.GetBudget(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("reloading budget: %w", err)
	}
	if rec == nil {
		return 0, fmt.Errorf("reloading %q: %w", itemID, ErrLedgerInvariant)
	}

	remaining, err := l.remaining(ctx, itemID, rec)
	if err != nil {
		return 0, err
	}

	if !rec.Locked && remaining <= l.policy.EpsilonPerRelease+budgetTolerance {
		if err := l.q.LockBudget(ctx, itemID, now); err != nil {
			return 0, fmt.Errorf("locking budget: %w", err)
		}
	}

	return remaining, nil
}

// Lock permanently locks the item. Locking an already locked item is a no-op.
func (l *Ledger) Lock(ctx context.Context, itemID string) error {
	now := l.clock.Now()
	if err := l.q.InitBudget(ctx, itemID, l.policy.LifetimeCap, now); err != nil {
		return fmt.Errorf("initializing budget: %w", err)
	}
	if err := l.q.LockBudget(ctx, itemID, now); err != nil {
		return fmt.Errorf("locking budget: %w", err)
	}
	return nil
}

// IsLocked returns the persisted lock flag.
func (l *Ledger) IsLocked(ctx context.Context, itemID string) (bool, error) {
	rec, err := l.q.GetBudget(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("loading budget: %w", err)
	}
	return rec != nil && rec.Locked, nil
}

// LifetimeStats is a read-only report of an item's budget.
type LifetimeStats struct {
	ItemID           string       `json:"item_id"`
	Cap              float64      `json:"cap"`
	Used             float64      `json:"used"`
	Remaining        float64      `json:"remaining"`
	PercentUsed      float64      `json:"percent_used"`
	NumCharges       int64        `json:"num_charges"`
	QueriesRemaining int64        `json:"queries_remaining"`
	Locked           bool         `json:"locked"`
	LockedAt         sql.NullTime `json:"-"`
}

// LifetimeStats reports the budget of an item. Items never charged report
// the full configured cap.
func (l *Ledger) LifetimeStats(ctx context.Context, itemID string) (*LifetimeStats, error) {
	rec, err := l.q.GetBudget(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading budget: %w", err)
	}

	remaining, err := l.remaining(ctx, itemID, rec)
	if err != nil {
		return nil, err
	}

	stats := &LifetimeStats{
		ItemID:    itemID,
		Cap:       l.capFor(rec),
		Remaining: remaining,
	}
	stats.Used = stats.Cap - remaining
	if stats.Cap > 0 {
		stats.PercentUsed = 100 * stats.Used / stats.Cap
	}
	if rec != nil {
		stats.NumCharges = rec.NumCharges
		stats.Locked = rec.Locked
		stats.LockedAt = rec.LockedAt
	}
	stats.QueriesRemaining = l.releasesRemaining(remaining, stats.Locked)
	return stats, nil
}

// remaining computes cap minus spent. Spent is the larger of the re-summed
// published charges and the running counter, so neither can under-report.
func (l *Ledger) remaining(ctx context.Context, itemID string, rec *BudgetRecord) (float64, error) {
	spent, err := l.q.SumEpsilonCharged(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("summing charged epsilon: %w", err)
	}
	if rec != nil && rec.EpsilonUsed > spent {
		spent = rec.EpsilonUsed
	}
	return math.Max(0, l.capFor(rec)-spent), nil
}

func (l *Ledger) capFor(rec *BudgetRecord) float64 {
	if rec != nil {
		return rec.LifetimeCap
	}
	return l.policy.LifetimeCap
}

// releasesRemaining counts the new draws still possible before the lock.
func (l *Ledger) releasesRemaining(remaining float64, locked bool) int64 {
	eps := l.policy.EpsilonPerRelease
	if locked || remaining+budgetTolerance < eps {
		return 0
	}
	// Each draw leaves remaining-eps; the draw that leaves at most eps locks.
	n := int64(math.Ceil(remaining/eps-budgetTolerance)) - 1
	if n < 1 {
		n = 1
	}
	return n
}
