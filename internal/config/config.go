package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/differential-privacy/go/v2/checks"
)

// Config represents the main configuration for dpsidecar.
type Config struct {
	InstanceID string           `toml:"instance_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"`
	Privacy    PrivacyConfig    `toml:"privacy"`
	Window     WindowConfig     `toml:"window"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Database   DatabaseConfig   `toml:"database"`
	Source     SourceConfig     `toml:"source"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	HTTP       HTTPConfig       `toml:"http"`
}

// PrivacyConfig holds the noise and budget parameters.
type PrivacyConfig struct {
	Threshold          int64   `toml:"threshold"`
	EpsilonPerRelease  float64 `toml:"epsilon_per_release"`
	LifetimeEpsilonCap float64 `toml:"lifetime_epsilon_cap"`
	Sensitivity        float64 `toml:"sensitivity"`
	Confidence         float64 `toml:"confidence"`
	Sampler            string  `toml:"sampler"`        // "secure" (default) or "seeded"
	Seed               uint64  `toml:"seed,omitempty"` // only used for sampler=seeded
}

// WindowConfig describes how publication windows are laid out.
type WindowConfig struct {
	Mode      string   `toml:"mode"`                 // "daily" or "interval"
	Duration  Duration `toml:"duration,omitempty"`   // only used for mode=interval
	ResetTime string   `toml:"reset_time,omitempty"` // "HH:MM" UTC, only used for mode=daily
}

// SchedulerConfig holds the background job intervals.
type SchedulerConfig struct {
	PollInterval  Duration `toml:"poll_interval"`
	SourceTimeout Duration `toml:"source_timeout"`
	Retention     Duration `toml:"retention"`
	PruneInterval Duration `toml:"prune_interval"`
}

// DatabaseConfig represents configuration for the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SourceConfig represents configuration for the true count source.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SourceConfig struct {
	Type string `toml:"type"` // "ratings", "postgres" or "static"

	// Postgres-specific fields (only used when Type == "postgres")
	DSN    string `toml:"dsn,omitempty"`
	Query  string `toml:"query,omitempty"`
	IDType string `toml:"id_type,omitempty"` // "string" (default) or "int"

	// Static-specific fields (only used when Type == "static")
	Counts map[string]int64 `toml:"counts,omitempty"`
}

// ArchiveConfig represents configuration for the ledger snapshot archive.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "", "memory", "filesystem" or "s3"; empty disables snapshots
	Name string `toml:"name,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for snapshot encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Duration is a time.Duration written as a string ("30s", "24h") in TOML.
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		LogLevel:   "info",
		Privacy: PrivacyConfig{
			Threshold:          1,
			EpsilonPerRelease:  0.5,
			LifetimeEpsilonCap: 20.0,
			Sensitivity:        1,
			Confidence:         0.95,
			Sampler:            "secure",
		},
		Window: WindowConfig{
			Mode:      "daily",
			ResetTime: "00:00",
		},
		Scheduler: SchedulerConfig{
			PollInterval:  Dur(time.Minute),
			SourceTimeout: Dur(10 * time.Second),
			Retention:     Dur(90 * 24 * time.Hour),
			PruneInterval: Dur(24 * time.Hour),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Source: SourceConfig{
			Type: "ratings",
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "dpsidecar.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "dpsidecar.key"),
		},
		HTTP: HTTPConfig{
			ListenAddr:     "127.0.0.1:8080",
			RequestTimeout: Dur(30 * time.Second),
		},
	}
}

// Validate checks the privacy parameters and backend selections.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	p := c.Privacy
	if err := checks.CheckEpsilonStrict(p.EpsilonPerRelease); err != nil {
		return err
	}
	if err := checks.CheckEpsilonStrict(p.LifetimeEpsilonCap); err != nil {
		return err
	}
	if p.LifetimeEpsilonCap < p.EpsilonPerRelease {
		return fmt.Errorf("lifetime_epsilon_cap %g is smaller than epsilon_per_release %g",
			p.LifetimeEpsilonCap, p.EpsilonPerRelease)
	}
	if p.Sensitivity <= 0 {
		return fmt.Errorf("sensitivity must be positive, got %g", p.Sensitivity)
	}
	if p.Confidence <= 0 || p.Confidence >= 1 {
		return fmt.Errorf("confidence must be in (0, 1), got %g", p.Confidence)
	}
	switch p.Sampler {
	case "", "secure", "seeded":
	default:
		return fmt.Errorf("unknown sampler: %s", p.Sampler)
	}

	switch c.Window.Mode {
	case "daily":
		if _, _, err := ParseResetTime(c.Window.ResetTime); err != nil {
			return err
		}
	case "interval":
		if c.Window.Duration.Duration <= 0 {
			return fmt.Errorf("window duration must be positive for interval mode")
		}
	default:
		return fmt.Errorf("unknown window mode: %s", c.Window.Mode)
	}

	if c.Scheduler.PollInterval.Duration <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}
	return nil
}

// ParseResetTime parses a "HH:MM" time of day.
func ParseResetTime(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid reset_time %q (want HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseLogLevel parses a slog level name. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold database and S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
