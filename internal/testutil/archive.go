package testutil

import (
	"dp-sidecar/internal/archive"
)

// NewTestArchive creates an in-memory snapshot archive for testing.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive("test")
}
