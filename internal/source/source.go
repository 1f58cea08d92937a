// Package source provides the true count backends the release engine reads.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"dp-sidecar/internal/dp"
)

// DefaultPostgresQuery counts the votes of a Fider post.
const DefaultPostgresQuery = `SELECT COUNT(*) FROM post_votes WHERE post_id = $1`

// Postgres counts rows in an external database with a single-parameter query.
type Postgres struct {
	db     *sql.DB
	query  string
	intIDs bool
}

// NewPostgres opens a pgx connection pool for dsn.
// When intIDs is set, item ids are parsed as integers before being bound.
func NewPostgres(ctx context.Context, dsn, query string, intIDs bool) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn required for postgres source")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSQL(db, query, intIDs), nil
}

// NewSQL wraps an already opened database.
func NewSQL(db *sql.DB, query string, intIDs bool) *Postgres {
	if query == "" {
		query = DefaultPostgresQuery
	}
	return &Postgres{db: db, query: query, intIDs: intIDs}
}

func (p *Postgres) TrueCount(ctx context.Context, itemID string) (int64, error) {
	var arg any = itemID
	if p.intIDs {
		n, err := strconv.ParseInt(itemID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("item id %q is not an integer: %w", itemID, err)
		}
		arg = n
	}

	var count int64
	if err := p.db.QueryRowContext(ctx, p.query, arg).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", itemID, err)
	}
	return count, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// RatingCounter is the part of the store the ratings source reads.
type RatingCounter interface {
	CountRatings(ctx context.Context, itemID string) (int64, error)
}

// Ratings counts the ratings recorded locally through the rate endpoint.
type Ratings struct {
	store RatingCounter
}

func NewRatings(store RatingCounter) *Ratings {
	return &Ratings{store: store}
}

func (r *Ratings) TrueCount(ctx context.Context, itemID string) (int64, error) {
	return r.store.CountRatings(ctx, itemID)
}

// Static serves counts from a map. Unknown items count zero.
type Static struct {
	mu     sync.RWMutex
	counts map[string]int64
}

func NewStatic(counts map[string]int64) *Static {
	c := make(map[string]int64, len(counts))
	for k, v := range counts {
		c[k] = v
	}
	return &Static{counts: c}
}

func (s *Static) TrueCount(_ context.Context, itemID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[itemID], nil
}

// Set changes the count of an item.
func (s *Static) Set(itemID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[itemID] = n
}

var (
	_ dp.Source = (*Postgres)(nil)
	_ dp.Source = (*Ratings)(nil)
	_ dp.Source = (*Static)(nil)
)
