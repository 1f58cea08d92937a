package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the default file locations of a dpsidecar installation.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
	DataDir    string
	KeyDir     string
}

// DefaultPaths resolves the installation paths. DPSC_CONFIG_PATH overrides the
// config file (~/.config/dpsidecar.toml) and DPSC_HOME overrides the base
// directory (~/.local/share/dpsidecar) that everything else lives under.
func DefaultPaths() (Paths, error) {
	configPath, err := fromEnvOrHome("DPSC_CONFIG_PATH", ".config", "dpsidecar.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := fromEnvOrHome("DPSC_HOME", ".local", "share", "dpsidecar")
	if err != nil {
		return Paths{}, err
	}

	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		DataDir:    filepath.Join(baseDir, "db"),
		KeyDir:     filepath.Join(baseDir, "keys"),
	}, nil
}

func fromEnvOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory (set %s): %w", env, err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
