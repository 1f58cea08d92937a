package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"dp-sidecar/internal/database/migrations"
	"dp-sidecar/internal/dp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the dp.Store interface using SQLite.
type SQLiteDatabase struct {
	*Queries
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		Queries: NewQueries(db),
		db:      db,
		path:    path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		Queries: NewQueries(db),
		db:      db,
		path:    "",
	}
}

// OpenConnection opens and configures a SQLite database connection.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		// Writers take the lock up front so concurrent transactions wait on
		// the busy timeout instead of failing on lock upgrade.
		params := url.Values{}
		params.Set("_busy_timeout", "5000")
		params.Set("_journal_mode", "WAL")
		params.Set("_txlock", "immediate")
		params.Set("_foreign_keys", "on")
		dsn = "file:" + path + "?" + params.Encode()
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// InTx runs fn inside a transaction and commits if fn succeeds.
func (s *SQLiteDatabase) InTx(ctx context.Context, fn func(q dp.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Publish run tracking

func (s *SQLiteDatabase) CreatePublishRun(ctx context.Context, runID string, windowID int64, startedAt time.Time) (*dp.PublishRun, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_runs (run_id, window_id, started_at, status) VALUES (?, ?, ?, 'running')`,
		runID, windowID, startedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("creating publish run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading publish run id: %w", err)
	}
	return &dp.PublishRun{
		ID:        id,
		RunID:     runID,
		WindowID:  windowID,
		StartedAt: startedAt.UTC(),
		Status:    "running",
	}, nil
}

func (s *SQLiteDatabase) FinishPublishRun(ctx context.Context, run *dp.PublishRun) error {
	var finishedAt sql.NullTime
	if run.FinishedAt.Valid {
		finishedAt = sql.NullTime{Time: run.FinishedAt.Time.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE publish_runs
		SET finished_at = ?, status = ?, new_draws = ?, reused = ?, below_threshold = ?,
			locked_skips = ?, already_published = ?, errors = ?
		WHERE id = ?`,
		finishedAt, run.Status, run.NewDraws, run.Reused, run.BelowThreshold,
		run.LockedSkips, run.AlreadyPublished, run.Errors, run.ID)
	if err != nil {
		return fmt.Errorf("finishing publish run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListPublishRuns(ctx context.Context, limit int) ([]*dp.PublishRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, window_id, started_at, finished_at, status, new_draws, reused,
			below_threshold, locked_skips, already_published, errors
		FROM publish_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing publish runs: %w", err)
	}
	defer rows.Close()

	var result []*dp.PublishRun
	for rows.Next() {
		var r dp.PublishRun
		err := rows.Scan(&r.ID, &r.RunID, &r.WindowID, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.NewDraws, &r.Reused, &r.BelowThreshold, &r.LockedSkips, &r.AlreadyPublished, &r.Errors)
		if err != nil {
			return nil, fmt.Errorf("scanning publish run: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Local ratings

func (s *SQLiteDatabase) UpsertRating(ctx context.Context, itemID, userID string, rating int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ratings (item_id, user_id, rating, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (item_id, user_id) DO UPDATE SET
			rating = excluded.rating,
			updated_at = excluded.updated_at`,
		itemID, userID, rating, now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("upserting rating: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CountRatings(ctx context.Context, itemID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ratings WHERE item_id = ?`, itemID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting ratings: %w", err)
	}
	return n, nil
}

// Retention

func (s *SQLiteDatabase) PruneDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM releases
		WHERE status = 'draft'
		  AND window_id IN (SELECT id FROM windows WHERE status = 'closed' AND end_time < ?)`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning drafts: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteDatabase) PruneEmptyWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM windows
		WHERE status = 'closed'
		  AND end_time < ?
		  AND NOT EXISTS (SELECT 1 FROM releases r WHERE r.window_id = windows.id)`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning windows: %w", err)
	}
	return res.RowsAffected()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate applies all pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrationStatus reports the schema version of the database.
func (s *SQLiteDatabase) MigrationStatus() (*migrations.Status, error) {
	return migrations.GetStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements dp.Store interface
var _ dp.Store = (*SQLiteDatabase)(nil)
