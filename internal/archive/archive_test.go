package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dp-sidecar/internal/config"
	"dp-sidecar/internal/dp"
)

// archiveContract runs the behaviour every Archive implementation shares.
func archiveContract(t *testing.T, newArchive func(t *testing.T) dp.Archive) {
	ctx := context.Background()

	t.Run("missing snapshot has version zero", func(t *testing.T) {
		a := newArchive(t)

		v, err := a.GetSnapshotVersion(ctx, "inst-1", "ledger")
		if err != nil {
			t.Fatalf("GetSnapshotVersion() error = %v", err)
		}
		if v != 0 {
			t.Errorf("GetSnapshotVersion() = %d, want 0", v)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		a := newArchive(t)
		data := "snapshot bytes"

		if err := a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader(data), int64(len(data)), 7); err != nil {
			t.Fatalf("PutSnapshot() error = %v", err)
		}

		var buf bytes.Buffer
		if err := a.GetSnapshot(ctx, "inst-1", "ledger", &buf); err != nil {
			t.Fatalf("GetSnapshot() error = %v", err)
		}
		if buf.String() != data {
			t.Errorf("GetSnapshot() = %q, want %q", buf.String(), data)
		}

		v, err := a.GetSnapshotVersion(ctx, "inst-1", "ledger")
		if err != nil {
			t.Fatalf("GetSnapshotVersion() error = %v", err)
		}
		if v != 7 {
			t.Errorf("GetSnapshotVersion() = %d, want 7", v)
		}
	})

	t.Run("overwrite replaces bytes and version", func(t *testing.T) {
		a := newArchive(t)

		a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader("v1"), 2, 1)
		if err := a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader("v2!"), 3, 2); err != nil {
			t.Fatalf("second PutSnapshot() error = %v", err)
		}

		var buf bytes.Buffer
		a.GetSnapshot(ctx, "inst-1", "ledger", &buf)
		if buf.String() != "v2!" {
			t.Errorf("GetSnapshot() = %q, want %q", buf.String(), "v2!")
		}
		if v, _ := a.GetSnapshotVersion(ctx, "inst-1", "ledger"); v != 2 {
			t.Errorf("GetSnapshotVersion() = %d, want 2", v)
		}
	})

	t.Run("instances are isolated", func(t *testing.T) {
		a := newArchive(t)

		a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader("one"), 3, 5)

		var buf bytes.Buffer
		if err := a.GetSnapshot(ctx, "inst-2", "ledger", &buf); err == nil {
			t.Error("GetSnapshot() for other instance expected error")
		}
		if v, _ := a.GetSnapshotVersion(ctx, "inst-2", "ledger"); v != 0 {
			t.Errorf("GetSnapshotVersion() for other instance = %d, want 0", v)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		a := newArchive(t)

		if err := a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader("short"), 100, 1); err == nil {
			t.Error("PutSnapshot() expected size mismatch error")
		}
	})

	t.Run("validate setup", func(t *testing.T) {
		if err := newArchive(t).ValidateSetup(ctx); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}

func TestMemoryArchive(t *testing.T) {
	archiveContract(t, func(t *testing.T) dp.Archive {
		return NewMemoryArchive("test")
	})
}

func TestFileSystemArchive(t *testing.T) {
	archiveContract(t, func(t *testing.T) dp.Archive {
		a, err := NewFileSystemArchive("test", filepath.Join(t.TempDir(), "archive"))
		if err != nil {
			t.Fatalf("NewFileSystemArchive() error = %v", err)
		}
		return a
	})
}

func TestFileSystemArchive_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFileSystemArchive("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}

	data := "ledger bytes"
	if err := a.PutSnapshot(ctx, "inst-1", "ledger", strings.NewReader(data), int64(len(data)), 12); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(root, "inst-1", "ledger"))
	if err != nil || string(content) != data {
		t.Errorf("snapshot file = %q, %v, want %q", content, err, data)
	}
	version, err := os.ReadFile(filepath.Join(root, "inst-1", "ledger.version"))
	if err != nil || string(version) != "12" {
		t.Errorf("version file = %q, %v, want 12", version, err)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "inst-1"))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestFileSystemArchive_ValidateSetup_MissingRoot(t *testing.T) {
	a := &FileSystemArchive{name: "test", root: "/nonexistent/path"}

	if err := a.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for missing root")
	}
}

func TestNewArchiveFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantErr bool
		wantNil bool
	}{
		{
			name:    "disabled",
			cfg:     config.ArchiveConfig{},
			wantErr: false,
			wantNil: true,
		},
		{
			name:    "memory archive",
			cfg:     config.ArchiveConfig{Type: "memory", Name: "test-memory"},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "filesystem archive",
			cfg:     config.ArchiveConfig{Type: "filesystem", Name: "test-fs", FSRoot: t.TempDir()},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "filesystem archive without root",
			cfg:     config.ArchiveConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
			wantNil: true,
		},
		{
			name:    "s3 archive without bucket",
			cfg:     config.ArchiveConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
			wantNil: true,
		},
		{
			name:    "unknown archive type",
			cfg:     config.ArchiveConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewArchiveFromConfig(context.Background(), tt.cfg)

			if (err != nil) != tt.wantErr {
				t.Errorf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if (got == nil) != tt.wantNil {
				t.Errorf("NewArchiveFromConfig() returned nil = %v, wantNil %v", got == nil, tt.wantNil)
			}

			if !tt.wantErr && got != nil {
				if err := got.ValidateSetup(context.Background()); err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
			}
		})
	}
}
