package source

import (
	"context"
	"testing"
	"time"

	"dp-sidecar/internal/config"
	"dp-sidecar/internal/database"
)

func TestSQL_TrueCount(t *testing.T) {
	ctx := context.Background()

	db, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE post_votes (post_id INTEGER NOT NULL, user_id INTEGER NOT NULL);
		INSERT INTO post_votes VALUES (7, 1), (7, 2), (7, 3), (8, 1);`)
	if err != nil {
		t.Fatalf("seeding votes: %v", err)
	}
	query := `SELECT COUNT(*) FROM post_votes WHERE post_id = ?`

	t.Run("integer ids", func(t *testing.T) {
		src := NewSQL(db, query, true)

		got, err := src.TrueCount(ctx, "7")
		if err != nil {
			t.Fatalf("TrueCount() error = %v", err)
		}
		if got != 3 {
			t.Errorf("TrueCount(7) = %d, want 3", got)
		}

		got, err = src.TrueCount(ctx, "99")
		if err != nil || got != 0 {
			t.Errorf("TrueCount(99) = %d, %v, want 0, nil", got, err)
		}
	})

	t.Run("non-integer id is rejected", func(t *testing.T) {
		src := NewSQL(db, query, true)

		if _, err := src.TrueCount(ctx, "abc"); err == nil {
			t.Error("TrueCount(abc) expected error")
		}
	})

	t.Run("default query", func(t *testing.T) {
		src := NewSQL(db, "", false)
		if src.query != DefaultPostgresQuery {
			t.Errorf("query = %q, want default", src.query)
		}
	})
}

func TestRatings_TrueCount(t *testing.T) {
	ctx := context.Background()

	store, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.UpsertRating(ctx, "post-1", "alice", 4, now)
	store.UpsertRating(ctx, "post-1", "bob", 5, now)

	got, err := NewRatings(store).TrueCount(ctx, "post-1")
	if err != nil {
		t.Fatalf("TrueCount() error = %v", err)
	}
	if got != 2 {
		t.Errorf("TrueCount() = %d, want 2", got)
	}
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	counts := map[string]int64{"a": 3}
	src := NewStatic(counts)

	counts["a"] = 100 // the source keeps its own copy
	if got, _ := src.TrueCount(ctx, "a"); got != 3 {
		t.Errorf("TrueCount(a) = %d, want 3", got)
	}
	if got, _ := src.TrueCount(ctx, "b"); got != 0 {
		t.Errorf("TrueCount(b) = %d, want 0", got)
	}

	src.Set("a", 7)
	if got, _ := src.TrueCount(ctx, "a"); got != 7 {
		t.Errorf("TrueCount(a) after Set = %d, want 7", got)
	}
}

func TestNewSourceFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("static", func(t *testing.T) {
		src, err := NewSourceFromConfig(ctx, config.SourceConfig{Type: "static", Counts: map[string]int64{"x": 2}}, nil)
		if err != nil {
			t.Fatalf("NewSourceFromConfig() error = %v", err)
		}
		if got, _ := src.TrueCount(ctx, "x"); got != 2 {
			t.Errorf("TrueCount(x) = %d, want 2", got)
		}
	})

	t.Run("ratings without store", func(t *testing.T) {
		if _, err := NewSourceFromConfig(ctx, config.SourceConfig{Type: "ratings"}, nil); err == nil {
			t.Error("expected error for ratings source without store")
		}
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		if _, err := NewSourceFromConfig(ctx, config.SourceConfig{Type: "postgres"}, nil); err == nil {
			t.Error("expected error for postgres source without dsn")
		}
	})

	t.Run("postgres with bad id type", func(t *testing.T) {
		cfg := config.SourceConfig{Type: "postgres", DSN: "postgres://localhost/fider", IDType: "uuid"}
		if _, err := NewSourceFromConfig(ctx, cfg, nil); err == nil {
			t.Error("expected error for unknown id_type")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewSourceFromConfig(ctx, config.SourceConfig{Type: "redis"}, nil); err == nil {
			t.Error("expected error for unknown source type")
		}
	})
}
