package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dp-sidecar/internal/dp"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries implements dp.Queries on top of a DBTX.
type Queries struct {
	db DBTX
}

// NewQueries creates Queries bound to db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Window queries

const windowColumns = `id, start_time, end_time, status, created_at, closed_at`

func scanWindow(row rowScanner) (*dp.Window, error) {
	var w dp.Window
	var status string
	if err := row.Scan(&w.ID, &w.Start, &w.End, &status, &w.CreatedAt, &w.ClosedAt); err != nil {
		return nil, err
	}
	w.Status = dp.WindowStatus(status)
	return &w, nil
}

func (q *Queries) getWindow(ctx context.Context, what, query string, args ...any) (*dp.Window, error) {
	w, err := scanWindow(q.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting %s: %w", what, err)
	}
	return w, nil
}

func (q *Queries) GetActiveWindow(ctx context.Context) (*dp.Window, error) {
	return q.getWindow(ctx, "active window",
		`SELECT `+windowColumns+` FROM windows WHERE status = 'active' LIMIT 1`)
}

func (q *Queries) GetLatestClosedWindow(ctx context.Context) (*dp.Window, error) {
	return q.getWindow(ctx, "latest closed window",
		`SELECT `+windowColumns+` FROM windows WHERE status = 'closed' ORDER BY id DESC LIMIT 1`)
}

func (q *Queries) GetWindow(ctx context.Context, id int64) (*dp.Window, error) {
	return q.getWindow(ctx, "window",
		`SELECT `+windowColumns+` FROM windows WHERE id = ?`, id)
}

func (q *Queries) InsertWindow(ctx context.Context, start, end, createdAt time.Time) (*dp.Window, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO windows (start_time, end_time, status, created_at) VALUES (?, ?, 'active', ?)`,
		start.UTC(), end.UTC(), createdAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting window: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading window id: %w", err)
	}
	return &dp.Window{
		ID:        id,
		Start:     start.UTC(),
		End:       end.UTC(),
		Status:    dp.WindowActive,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func (q *Queries) CloseWindow(ctx context.Context, id int64, closedAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE windows SET status = 'closed', closed_at = ? WHERE id = ? AND status = 'active'`,
		closedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("closing window: %w", err)
	}
	return nil
}

func (q *Queries) MaxWindowID(ctx context.Context) (int64, error) {
	var id int64
	if err := q.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM windows`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max window id: %w", err)
	}
	return id, nil
}

// Release queries

const releaseColumns = `item_id, window_id, true_value, randomized_value, epsilon_charged,
	meets_threshold, status, created_at, updated_at, published_at`

func scanRelease(row rowScanner) (*dp.Release, error) {
	var r dp.Release
	var status string
	err := row.Scan(&r.ItemID, &r.WindowID, &r.TrueValue, &r.RandomizedValue, &r.EpsilonCharged,
		&r.MeetsThreshold, &status, &r.CreatedAt, &r.UpdatedAt, &r.PublishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = dp.ReleaseStatus(status)
	return &r, nil
}

func (q *Queries) getRelease(ctx context.Context, what, query string, args ...any) (*dp.Release, error) {
	r, err := scanRelease(q.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting %s: %w", what, err)
	}
	return r, nil
}

func (q *Queries) GetRelease(ctx context.Context, itemID string, windowID int64) (*dp.Release, error) {
	return q.getRelease(ctx, "release",
		`SELECT `+releaseColumns+` FROM releases WHERE item_id = ? AND window_id = ?`, itemID, windowID)
}

// Ordering is by window ID, never by insertion time, so clock skew cannot
// reorder publications.

func (q *Queries) GetLastPublished(ctx context.Context, itemID string) (*dp.Release, error) {
	return q.getRelease(ctx, "last published release",
		`SELECT `+releaseColumns+` FROM releases
		 WHERE item_id = ? AND status = 'published'
		 ORDER BY window_id DESC LIMIT 1`, itemID)
}

func (q *Queries) GetLastPublishedBefore(ctx context.Context, itemID string, windowID int64) (*dp.Release, error) {
	return q.getRelease(ctx, "previous published release",
		`SELECT `+releaseColumns+` FROM releases
		 WHERE item_id = ? AND status = 'published' AND window_id < ?
		 ORDER BY window_id DESC LIMIT 1`, itemID, windowID)
}

func (q *Queries) ListPublished(ctx context.Context, itemID string, limit int) ([]*dp.Release, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE item_id = ? AND status = 'published'
		 ORDER BY window_id DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing published releases: %w", err)
	}
	defer rows.Close()

	var result []*dp.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning release: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (q *Queries) UpsertDraft(ctx context.Context, r *dp.Release) error {
	// The WHERE clause makes the upsert a no-op once the row is published.
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO releases (item_id, window_id, true_value, randomized_value, epsilon_charged,
			meets_threshold, status, created_at, updated_at, published_at)
		VALUES (?, ?, ?, NULL, 0, ?, 'draft', ?, ?, NULL)
		ON CONFLICT (item_id, window_id) DO UPDATE SET
			true_value = excluded.true_value,
			meets_threshold = excluded.meets_threshold,
			updated_at = excluded.updated_at
		WHERE releases.status = 'draft'`,
		r.ItemID, r.WindowID, r.TrueValue, r.MeetsThreshold, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting draft release: %w", err)
	}
	return nil
}

func (q *Queries) UpsertPublished(ctx context.Context, r *dp.Release) error {
	var publishedAt sql.NullTime
	if r.PublishedAt.Valid {
		publishedAt = sql.NullTime{Time: r.PublishedAt.Time.UTC(), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO releases (item_id, window_id, true_value, randomized_value, epsilon_charged,
			meets_threshold, status, created_at, updated_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, 'published', ?, ?, ?)
		ON CONFLICT (item_id, window_id) DO UPDATE SET
			true_value = excluded.true_value,
			randomized_value = excluded.randomized_value,
			epsilon_charged = excluded.epsilon_charged,
			meets_threshold = excluded.meets_threshold,
			status = 'published',
			updated_at = excluded.updated_at,
			published_at = excluded.published_at
		WHERE releases.status = 'draft'`,
		r.ItemID, r.WindowID, r.TrueValue, r.RandomizedValue, r.EpsilonCharged,
		r.MeetsThreshold, r.CreatedAt.UTC(), r.UpdatedAt.UTC(), publishedAt)
	if err != nil {
		return fmt.Errorf("upserting published release: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s window %d: %w", r.ItemID, r.WindowID, dp.ErrAlreadyPublished)
	}
	return nil
}

func (q *Queries) SumEpsilonCharged(ctx context.Context, itemID string) (float64, error) {
	var sum float64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(epsilon_charged), 0.0) FROM releases WHERE item_id = ? AND status = 'published'`,
		itemID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing charged epsilon: %w", err)
	}
	return sum, nil
}

func (q *Queries) ListTrackedItems(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT item_id FROM releases ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tracked items: %w", err)
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning item id: %w", err)
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// Budget queries

func (q *Queries) GetBudget(ctx context.Context, itemID string) (*dp.BudgetRecord, error) {
	var b dp.BudgetRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT item_id, lifetime_cap, epsilon_used, num_charges, locked, locked_at, created_at, updated_at
		FROM budgets WHERE item_id = ?`, itemID).
		Scan(&b.ItemID, &b.LifetimeCap, &b.EpsilonUsed, &b.NumCharges, &b.Locked, &b.LockedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting budget: %w", err)
	}
	return &b, nil
}

func (q *Queries) InitBudget(ctx context.Context, itemID string, lifetimeCap float64, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO budgets (item_id, lifetime_cap, epsilon_used, num_charges, locked, created_at, updated_at)
		VALUES (?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT (item_id) DO NOTHING`,
		itemID, lifetimeCap, now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("initializing budget: %w", err)
	}
	return nil
}

func (q *Queries) AddBudgetCharge(ctx context.Context, itemID string, epsilon float64, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE budgets
		SET epsilon_used = epsilon_used + ?, num_charges = num_charges + 1, updated_at = ?
		WHERE item_id = ?`,
		epsilon, now.UTC(), itemID)
	if err != nil {
		return 0, fmt.Errorf("charging budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func (q *Queries) LockBudget(ctx context.Context, itemID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE budgets
		SET locked = 1, locked_at = COALESCE(locked_at, ?), updated_at = ?
		WHERE item_id = ?`,
		now.UTC(), now.UTC(), itemID)
	if err != nil {
		return fmt.Errorf("locking budget: %w", err)
	}
	return nil
}

// Compile-time check that Queries implements dp.Queries
var _ dp.Queries = (*Queries)(nil)
