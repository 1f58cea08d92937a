package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dp-sidecar/internal/dp"
)

// FileSystemArchive stores snapshots as files, typically on a mounted
// network or removable volume:
//
//	<root>/
//	  <instanceID>/
//	    <name>           (snapshot bytes)
//	    <name>.version   (decimal version marker)
type FileSystemArchive struct {
	name string
	root string
}

// NewFileSystemArchive creates a new filesystem archive rooted at the given path.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

func (a *FileSystemArchive) instanceDir(instanceID string) string {
	return filepath.Join(a.root, instanceID)
}

// PutSnapshot stores a snapshot and then its version marker.
// The marker is written last so a reader never sees a version whose bytes
// are missing.
func (a *FileSystemArchive) PutSnapshot(_ context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	dir := a.instanceDir(instanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	if err := writeFile(filepath.Join(dir, name), r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFile(filepath.Join(dir, name+".version"), strings.NewReader(versionData), int64(len(versionData)))
}

// GetSnapshotVersion returns the stored version, or 0 if no version file exists.
func (a *FileSystemArchive) GetSnapshotVersion(_ context.Context, instanceID, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(a.instanceDir(instanceID), name+".version"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetSnapshot writes a named snapshot to w.
func (a *FileSystemArchive) GetSnapshot(_ context.Context, instanceID, name string, w io.Writer) error {
	f, err := os.Open(filepath.Join(a.instanceDir(instanceID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("snapshot %q not found for instance: %s", name, instanceID)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the archive root is a writable directory.
func (a *FileSystemArchive) ValidateSetup(context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// writeFile writes data from r to destPath using a temp file and rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Same directory so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemArchive implements dp.Archive interface
var _ dp.Archive = (*FileSystemArchive)(nil)
