// Package archive stores versioned ledger snapshots off-host.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"dp-sidecar/internal/dp"
)

// MemoryArchive is an in-memory implementation of the Archive interface.
// It is useful for testing and is safe for concurrent use.
type MemoryArchive struct {
	name     string
	objects  map[string][]byte // "instanceID/name" -> snapshot
	versions map[string]int64  // "instanceID/name" -> version
	mu       sync.RWMutex
}

// NewMemoryArchive creates a new in-memory archive with the given name.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{
		name:     name,
		objects:  make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func snapshotKey(instanceID, name string) string {
	return instanceID + "/" + name
}

// PutSnapshot stores a named snapshot for an instance.
func (m *MemoryArchive) PutSnapshot(_ context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapshotKey(instanceID, name)
	m.objects[key] = data
	m.versions[key] = version
	return nil
}

// GetSnapshotVersion returns the stored version, or 0 if nothing was stored.
func (m *MemoryArchive) GetSnapshotVersion(_ context.Context, instanceID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.versions[snapshotKey(instanceID, name)], nil
}

// GetSnapshot writes a named snapshot to w.
func (m *MemoryArchive) GetSnapshot(_ context.Context, instanceID, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[snapshotKey(instanceID, name)]
	if !ok {
		return fmt.Errorf("snapshot %q not found for instance: %s", name, instanceID)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// ValidateSetup always succeeds for the in-memory archive.
func (m *MemoryArchive) ValidateSetup(context.Context) error {
	return nil
}

// Compile-time check that MemoryArchive implements dp.Archive interface
var _ dp.Archive = (*MemoryArchive)(nil)
