package dp

import (
	"context"
	"time"
)

// Queries is the set of storage operations used by the release engine.
// Lookups return nil, nil when the requested row does not exist.
type Queries interface {
	// Window operations

	// GetActiveWindow returns the single active window, expired or not.
	GetActiveWindow(ctx context.Context) (*Window, error)

	// GetLatestClosedWindow returns the closed window with the highest ID.
	GetLatestClosedWindow(ctx context.Context) (*Window, error)

	// GetWindow returns a window by ID.
	GetWindow(ctx context.Context, id int64) (*Window, error)

	// InsertWindow creates a new active window.
	InsertWindow(ctx context.Context, start, end, createdAt time.Time) (*Window, error)

	// CloseWindow marks a window closed.
	CloseWindow(ctx context.Context, id int64, closedAt time.Time) error

	// MaxWindowID returns the highest window ID ever created, or 0.
	MaxWindowID(ctx context.Context) (int64, error)

	// Release operations

	// GetRelease returns the release row for (item, window).
	GetRelease(ctx context.Context, itemID string, windowID int64) (*Release, error)

	// GetLastPublished returns the published release with the highest window ID.
	GetLastPublished(ctx context.Context, itemID string) (*Release, error)

	// GetLastPublishedBefore returns the published release with the highest
	// window ID strictly lower than windowID.
	GetLastPublishedBefore(ctx context.Context, itemID string, windowID int64) (*Release, error)

	// ListPublished returns published releases for an item, newest window first.
	ListPublished(ctx context.Context, itemID string, limit int) ([]*Release, error)

	// UpsertDraft inserts or refreshes a draft row. It never touches a
	// published row and never stores a randomized value.
	UpsertDraft(ctx context.Context, r *Release) error

	// UpsertPublished writes a published row, replacing a draft if present.
	// Returns ErrAlreadyPublished if the row is already published.
	UpsertPublished(ctx context.Context, r *Release) error

	// SumEpsilonCharged sums epsilon_charged over all published releases of an item.
	SumEpsilonCharged(ctx context.Context, itemID string) (float64, error)

	// ListTrackedItems returns every item with at least one release row.
	ListTrackedItems(ctx context.Context) ([]string, error)

	// Budget operations

	// GetBudget returns the budget record for an item.
	GetBudget(ctx context.Context, itemID string) (*BudgetRecord, error)

	// InitBudget creates a budget record with the given cap if none exists.
	InitBudget(ctx context.Context, itemID string, lifetimeCap float64, now time.Time) error

	// AddBudgetCharge adds epsilon to the running total and increments the
	// charge count. Returns the number of rows affected.
	AddBudgetCharge(ctx context.Context, itemID string, epsilon float64, now time.Time) (int64, error)

	// LockBudget sets the permanent lock flag. The first lock time is kept.
	LockBudget(ctx context.Context, itemID string, now time.Time) error
}

// Store is the durable, transactional home of windows, releases and budgets.
type Store interface {
	Queries

	// InTx runs fn inside a single transaction. The transaction commits if
	// fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// Publish run tracking

	CreatePublishRun(ctx context.Context, runID string, windowID int64, startedAt time.Time) (*PublishRun, error)
	FinishPublishRun(ctx context.Context, run *PublishRun) error
	ListPublishRuns(ctx context.Context, limit int) ([]*PublishRun, error)

	// Local ratings

	UpsertRating(ctx context.Context, itemID, userID string, rating int, now time.Time) error
	CountRatings(ctx context.Context, itemID string) (int64, error)

	// Retention

	// PruneDrafts deletes draft rows of closed windows that ended before cutoff.
	PruneDrafts(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneEmptyWindows deletes closed windows that ended before cutoff and
	// hold no release rows.
	PruneEmptyWindows(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle

	CheckMigrations() error
	BackupTo(destPath string) error
	Close() error
}

// Source supplies the true, unprotected count for an item.
type Source interface {
	TrueCount(ctx context.Context, itemID string) (int64, error)
}
