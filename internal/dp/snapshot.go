package dp

import (
	"context"
	"fmt"
	"io"
	"os"
)

// SnapshotName is the archive name under which ledger snapshots are stored.
const SnapshotName = "ledger"

// Snapshotter copies the ledger database to the archive after each
// published window. The snapshot version is the ID of the window that was
// just closed, which lets a restarted instance detect a rolled back ledger.
type Snapshotter struct {
	store      Store
	archive    Archive
	encryptor  Encryptor // nil uploads plaintext
	instanceID string
	logger     Logger
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(store Store, archive Archive, encryptor Encryptor, instanceID string, logger Logger) *Snapshotter {
	return &Snapshotter{
		store:      store,
		archive:    archive,
		encryptor:  encryptor,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Snapshot uploads a consistent copy of the database tagged with version.
func (s *Snapshotter) Snapshot(ctx context.Context, version int64) error {
	tmpFile, err := os.CreateTemp("", "dpsidecar-ledger-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := s.store.BackupTo(tmpPath); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}

	uploadPath := tmpPath
	if s.encryptor != nil {
		encPath := tmpPath + ".age"
		if err := encryptFile(s.encryptor, tmpPath, encPath); err != nil {
			return err
		}
		defer os.Remove(encPath)
		uploadPath = encPath
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	if err := s.archive.PutSnapshot(ctx, s.instanceID, SnapshotName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}

	s.logger.Info("ledger snapshot archived", "version", version, "size", info.Size(), "encrypted", s.encryptor != nil)
	return nil
}

// CheckVersion refuses to proceed when the archive holds a snapshot newer
// than the local ledger. Running on a wiped or rolled back ledger would
// hand every item a fresh budget.
func (s *Snapshotter) CheckVersion(ctx context.Context) error {
	remote, err := s.archive.GetSnapshotVersion(ctx, s.instanceID, SnapshotName)
	if err != nil {
		return fmt.Errorf("checking archived snapshot version: %w", err)
	}

	local, err := s.store.MaxWindowID(ctx)
	if err != nil {
		return fmt.Errorf("checking local ledger version: %w", err)
	}

	if remote > local {
		return fmt.Errorf("local ledger is behind archive (local=%d, archive=%d): restore from archive or re-initialize", local, remote)
	}
	return nil
}

// RestoreSnapshot downloads the latest snapshot into destPath, decrypting it
// with dec when non-nil. destPath must not exist. Returns the snapshot version.
func RestoreSnapshot(ctx context.Context, archive Archive, instanceID, destPath string, dec DecryptionContext) (int64, error) {
	if _, err := os.Stat(destPath); err == nil {
		return 0, fmt.Errorf("refusing to overwrite existing database at %s", destPath)
	}

	version, err := archive.GetSnapshotVersion(ctx, instanceID, SnapshotName)
	if err != nil {
		return 0, fmt.Errorf("checking archived snapshot version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("no snapshot archived for instance %s", instanceID)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating restored database: %w", err)
	}

	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(destPath)
		}
	}()

	if dec == nil {
		if err := archive.GetSnapshot(ctx, instanceID, SnapshotName, out); err != nil {
			return 0, fmt.Errorf("downloading snapshot: %w", err)
		}
	} else {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(archive.GetSnapshot(ctx, instanceID, SnapshotName, pw))
		}()
		if err := dec.Decrypt(pr, out); err != nil {
			pr.CloseWithError(err)
			return 0, fmt.Errorf("decrypting snapshot: %w", err)
		}
	}

	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("syncing restored database: %w", err)
	}
	ok = true
	return version, nil
}

func encryptFile(enc Encryptor, srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening snapshot for encryption: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	defer dst.Close()

	if err := enc.Encrypt(src, dst); err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	return dst.Close()
}
