package archive

import (
	"context"
	"fmt"

	"dp-sidecar/internal/config"
	"dp-sidecar/internal/dp"
)

// NewArchiveFromConfig creates an Archive based on the archive config type.
// An empty type disables snapshots and returns nil.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (dp.Archive, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg.Name, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_root to be set")
		}
		a, err := NewFileSystemArchive(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
