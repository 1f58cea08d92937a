package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"dp-sidecar/internal/api"
	"dp-sidecar/internal/archive"
	"dp-sidecar/internal/config"
	"dp-sidecar/internal/database"
	"dp-sidecar/internal/database/migrations"
	"dp-sidecar/internal/dp"
	"dp-sidecar/internal/encryption"
	"dp-sidecar/internal/metrics"
	"dp-sidecar/internal/noise"
	"dp-sidecar/internal/source"
)

// shutdownTimeout bounds how long Serve waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// DPApp is the application layer between the CLI and the release engine.
// It constructs all dependencies from config and closes them on Close.
type DPApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	archive   dp.Archive
	encryptor dp.Encryptor
	source    dp.Source
	metrics   *metrics.Prometheus
	service   *dp.Service
	logger    dp.Logger
	logFile   *os.File
}

// NewDPApp creates a fully wired DPApp from the given config.
// runID tags every log line written by this process.
// The caller must call Close when done.
func NewDPApp(ctx context.Context, cfg *config.Config, runID string) (_ *DPApp, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &DPApp{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger, logFile, err := newLogger(cfg.LogDir, runID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = &slogAdapter{l: logger}
	a.logFile = logFile

	a.db, err = database.NewDatabaseFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	a.archive, err = archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	var snapshots *dp.Snapshotter
	if a.archive != nil {
		if a.encryptor != nil && !a.encryptor.IsConfigured() {
			return nil, fmt.Errorf("snapshot encryption keys not found: run 'dpsidecar archive keygen' first")
		}
		if err := a.archive.ValidateSetup(ctx); err != nil {
			return nil, fmt.Errorf("archive %q not usable: %w", cfg.Archive.Name, err)
		}
		snapshots = dp.NewSnapshotter(a.db, a.archive, a.encryptor, cfg.InstanceID, a.logger)
		// A local ledger older than the archived one would reissue spent budget.
		if err := snapshots.CheckVersion(ctx); err != nil {
			return nil, err
		}
	}

	mechanism, err := newMechanism(cfg.Privacy)
	if err != nil {
		return nil, err
	}

	a.source, err = source.NewSourceFromConfig(ctx, cfg.Source, a.db)
	if err != nil {
		return nil, fmt.Errorf("creating count source: %w", err)
	}

	schedule, err := windowSchedule(cfg.Window)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New()
	a.service = dp.NewService(dp.Settings{
		Budget: dp.BudgetPolicy{
			LifetimeCap:       cfg.Privacy.LifetimeEpsilonCap,
			EpsilonPerRelease: cfg.Privacy.EpsilonPerRelease,
		},
		Windows:       schedule,
		PollInterval:  cfg.Scheduler.PollInterval.Duration,
		PruneInterval: cfg.Scheduler.PruneInterval.Duration,
		Retention:     cfg.Scheduler.Retention.Duration,
		SourceTimeout: cfg.Scheduler.SourceTimeout.Duration,
	}, dp.Deps{
		Store:     a.db,
		Source:    a.source,
		Mechanism: mechanism,
		Snapshots: snapshots,
		Metrics:   a.metrics,
		Logger:    a.logger,
		Clock:     dp.RealClock{},
		IDGen:     dp.UUIDGenerator{},
	})

	return a, nil
}

// newMechanism builds the noise mechanism from the privacy settings.
func newMechanism(p config.PrivacyConfig) (*noise.Mechanism, error) {
	var sampler noise.Sampler = noise.SecureLaplace{}
	if p.Sampler == "seeded" {
		sampler = noise.NewSeededLaplace(p.Seed)
	}
	m, err := noise.New(noise.Params{
		Epsilon:     p.EpsilonPerRelease,
		Sensitivity: p.Sensitivity,
		Confidence:  p.Confidence,
		Threshold:   p.Threshold,
	}, sampler)
	if err != nil {
		return nil, fmt.Errorf("creating noise mechanism: %w", err)
	}
	return m, nil
}

// windowSchedule converts the window config into a schedule. Daily
// windows roll over at the reset time in UTC.
func windowSchedule(cfg config.WindowConfig) (dp.WindowSchedule, error) {
	switch cfg.Mode {
	case dp.WindowModeInterval:
		return dp.WindowSchedule{Mode: dp.WindowModeInterval, Duration: cfg.Duration.Duration}, nil
	case dp.WindowModeDaily:
		hour, minute, err := config.ParseResetTime(cfg.ResetTime)
		if err != nil {
			return dp.WindowSchedule{}, err
		}
		return dp.WindowSchedule{Mode: dp.WindowModeDaily, ResetHour: hour, ResetMin: minute, Location: time.UTC}, nil
	default:
		return dp.WindowSchedule{}, fmt.Errorf("unknown window mode: %s", cfg.Mode)
	}
}

// Serve runs the HTTP API and the publish scheduler until ctx is done.
func (a *DPApp) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.HTTP.ListenAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *DPApp) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: api.NewRouter(a.service, api.Options{
			Logger:         a.logger,
			AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
			RequestTimeout: a.cfg.HTTP.RequestTimeout.Duration,
			Metrics:        a.metrics.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.service.Run(ctx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		a.logger.Warn("http server shutdown", "error", shutErr)
	}

	cancel()
	if runErr := <-schedDone; runErr != nil && !errors.Is(runErr, context.Canceled) && err == nil {
		err = runErr
	}
	// Handlers drained by Shutdown may have started drafts after the
	// scheduler stopped waiting for them.
	a.service.Wait()
	a.logger.Info("stopped")
	return err
}

// Publish runs a single publish tick. force publishes the active window
// before it expires.
func (a *DPApp) Publish(ctx context.Context, force bool) (*dp.TickResult, error) {
	return a.service.Tick(ctx, force)
}

// GetCount returns the disclosed count for an item.
func (a *DPApp) GetCount(ctx context.Context, itemID string) (*dp.CountResponse, error) {
	resp, err := a.service.GetCount(ctx, itemID)
	a.service.Wait()
	return resp, err
}

// GetBudget returns the lifetime budget report for an item.
func (a *DPApp) GetBudget(ctx context.Context, itemID string) (*dp.LifetimeStats, error) {
	return a.service.GetBudget(ctx, itemID)
}

// GetReleases returns an item's published releases, newest first.
func (a *DPApp) GetReleases(ctx context.Context, itemID string, limit int) ([]*dp.Release, error) {
	return a.service.ReleaseHistory(ctx, itemID, limit)
}

// GetHistory returns the most recent publish runs.
func (a *DPApp) GetHistory(ctx context.Context, limit int) ([]*dp.PublishRun, error) {
	return a.service.PublishHistory(ctx, limit)
}

// MigrationStatus reports the schema version of the ledger database.
func (a *DPApp) MigrationStatus() (*migrations.Status, error) {
	return a.db.MigrationStatus()
}

// Close closes the count source, the database and the log file.
// It is safe to call on a partially constructed DPApp.
func (a *DPApp) Close() error {
	var firstErr error

	if c, ok := a.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = fmt.Errorf("closing count source: %w", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
