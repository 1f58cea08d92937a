package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dp-sidecar/internal/config"
)

// PathFromConfig returns the database file the config points at.
func PathFromConfig(cfg config.DatabaseConfig, instanceID string) (string, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return "", fmt.Errorf("data_dir required for sqlite database")
		}
		return filepath.Join(cfg.DataDir, instanceID+".db"), nil
	case "memory":
		return ":memory:", nil
	default:
		return "", fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// NewDatabaseFromConfig opens the ledger database described by cfg and
// brings its schema up to date.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, instanceID string) (*SQLiteDatabase, error) {
	path, err := PathFromConfig(cfg, instanceID)
	if err != nil {
		return nil, err
	}
	if cfg.Type == "sqlite" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := NewSQLiteDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return db, nil
}
