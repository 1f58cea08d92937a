package dp

import (
	"context"
	"io"
)

// Archive stores versioned snapshots of the ledger database off-host.
// All operations stream through io.Reader/io.Writer.
type Archive interface {
	// PutSnapshot stores a named snapshot for an instance.
	// size is the number of bytes that will be read from r.
	// version is stored alongside the snapshot for rollback checks.
	PutSnapshot(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot retrieves a named snapshot for an instance and writes it to w.
	GetSnapshot(ctx context.Context, instanceID, name string, w io.Writer) error

	// GetSnapshotVersion returns the stored version of a named snapshot.
	// Returns 0 if nothing has been stored.
	GetSnapshotVersion(ctx context.Context, instanceID, name string) (int64, error)

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}

// Encryptor protects ledger snapshots at rest. Snapshots hold true counts,
// so they are encrypted with a public key before leaving the host.
// Decryption requires a passphrase to unlock the private key.
type Encryptor interface {
	// Setup performs one-time key generation, storing the public key in
	// plaintext and the private key encrypted with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if the key material exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
