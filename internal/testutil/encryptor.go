package testutil

import (
	"dp-sidecar/internal/dp"
	"dp-sidecar/internal/encryption"
)

// NewTestEncryptor creates a deterministic encryptor for testing.
func NewTestEncryptor() dp.Encryptor {
	return encryption.NewTestEncryptor()
}
