package encryption

import (
	"fmt"

	"dp-sidecar/internal/config"
	"dp-sidecar/internal/dp"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" returns nil and snapshots are archived in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (dp.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
