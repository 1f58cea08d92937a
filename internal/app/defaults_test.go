package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dp-sidecar/internal/config"
)

func TestDefaultPaths(t *testing.T) {
	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("DPSC_CONFIG_PATH", "/etc/dpsidecar.toml")
		t.Setenv("DPSC_HOME", "/srv/dpsidecar")

		got, err := DefaultPaths()
		if err != nil {
			t.Fatalf("DefaultPaths() error = %v", err)
		}
		want := Paths{
			ConfigPath: "/etc/dpsidecar.toml",
			BaseDir:    "/srv/dpsidecar",
			LogDir:     "/srv/dpsidecar/log",
			DataDir:    "/srv/dpsidecar/db",
			KeyDir:     "/srv/dpsidecar/keys",
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("DefaultPaths() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("home directory fallback", func(t *testing.T) {
		t.Setenv("DPSC_CONFIG_PATH", "")
		t.Setenv("DPSC_HOME", "")

		got, err := DefaultPaths()
		if err != nil {
			t.Fatalf("DefaultPaths() error = %v", err)
		}
		home, _ := os.UserHomeDir()
		if want := filepath.Join(home, ".config", "dpsidecar.toml"); got.ConfigPath != want {
			t.Errorf("ConfigPath = %q, want %q", got.ConfigPath, want)
		}
		if want := filepath.Join(home, ".local", "share", "dpsidecar"); got.BaseDir != want {
			t.Errorf("BaseDir = %q, want %q", got.BaseDir, want)
		}
	})

	t.Run("agrees with config defaults", func(t *testing.T) {
		t.Setenv("DPSC_HOME", "/srv/dpsidecar")

		p, err := DefaultPaths()
		if err != nil {
			t.Fatalf("DefaultPaths() error = %v", err)
		}
		cfg := config.NewConfig("i", p.BaseDir)
		if cfg.LogDir != p.LogDir {
			t.Errorf("config LogDir = %q, paths LogDir = %q", cfg.LogDir, p.LogDir)
		}
		if cfg.Database.DataDir != p.DataDir {
			t.Errorf("config DataDir = %q, paths DataDir = %q", cfg.Database.DataDir, p.DataDir)
		}
		if filepath.Dir(cfg.Encryption.PublicKeyPath) != p.KeyDir {
			t.Errorf("config key dir = %q, paths KeyDir = %q", filepath.Dir(cfg.Encryption.PublicKeyPath), p.KeyDir)
		}
	})
}
