package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dp-sidecar/internal/app"
	"dp-sidecar/internal/archive"
	"dp-sidecar/internal/config"
	"dp-sidecar/internal/database"
	"dp-sidecar/internal/dp"
	"dp-sidecar/internal/encryption"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file from the default location.
func readConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a DPApp. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.DPApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	a, err := app.NewDPApp(ctx, cfg, runID)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

var rootCmd = &cobra.Command{
	Use:          "dpsidecar",
	Short:        "Differentially private count release service",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, paths.BaseDir)

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", paths.BaseDir)
		fmt.Printf("Ledger Dir:  %s\n", paths.DataDir)
		fmt.Printf("Key Dir:     %s\n", paths.KeyDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		p := cfg.Privacy
		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Instance ID: %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Epsilon:     %g per release, %g lifetime\n", p.EpsilonPerRelease, p.LifetimeEpsilonCap)
		fmt.Printf("Threshold:   %d\n", p.Threshold)
		fmt.Printf("Window:      %s\n", cfg.Window.Mode)
		fmt.Printf("Database:    %s\n", cfg.Database.Type)
		fmt.Printf("Source:      %s\n", cfg.Source.Type)
		if cfg.Archive.Type != "" {
			fmt.Printf("Archive:     %s (%s)\n", cfg.Archive.Name, cfg.Archive.Type)
		}
		fmt.Printf("Listen:      %s\n", cfg.HTTP.ListenAddr)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and publish scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Run one publish tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Publish(cmd.Context(), force)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}

		switch {
		case res.Bootstrapped:
			fmt.Printf("Opened first window #%d\n", res.WindowID)
		case res.NotDue:
			fmt.Printf("Window #%d is still open (use --force to publish now)\n", res.WindowID)
		case res.AlreadyDone:
			fmt.Printf("Window #%d was already published\n", res.WindowID)
		default:
			fmt.Printf("Published window #%d, next window #%d\n", res.WindowID, res.NextWindowID)
			for _, o := range []dp.Outcome{
				dp.OutcomeNewDraw, dp.OutcomeReused, dp.OutcomeBelowThreshold,
				dp.OutcomeLockedSkip, dp.OutcomeAlreadyPublished, dp.OutcomeError,
			} {
				if n := res.Outcomes[o]; n > 0 {
					fmt.Printf("  %-18s %d\n", o, n)
				}
			}
		}
		return nil
	},
}

// count command
var countCmd = &cobra.Command{
	Use:   "count ITEM",
	Short: "Show the disclosed count for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.GetCount(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s  %s  [%s]\n", resp.ItemID, formatValue(resp.Value), resp.Message)
		if resp.ConfidenceInterval != nil {
			fmt.Printf("  interval: %.2f .. %.2f\n", resp.ConfidenceInterval.Lower, resp.ConfidenceInterval.Upper)
		}
		if resp.WindowID != nil {
			fmt.Printf("  window:   #%d\n", *resp.WindowID)
		}
		return nil
	},
}

// budget command
var budgetCmd = &cobra.Command{
	Use:   "budget ITEM",
	Short: "Show the lifetime privacy budget of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.GetBudget(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", s.ItemID)
		fmt.Printf("  used:      %.4f of %.4f (%.1f%%)\n", s.Used, s.Cap, s.PercentUsed)
		fmt.Printf("  remaining: %.4f (%d releases)\n", s.Remaining, s.QueriesRemaining)
		fmt.Printf("  charges:   %d\n", s.NumCharges)
		if s.Locked {
			fmt.Println("  locked:    yes")
		}
		return nil
	},
}

// releases command
var releasesCmd = &cobra.Command{
	Use:   "releases ITEM",
	Short: "View published releases of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		releases, err := a.GetReleases(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}

		if len(releases) == 0 {
			fmt.Println("No published releases.")
			return nil
		}

		for _, r := range releases {
			value := "-"
			if r.RandomizedValue.Valid {
				value = fmt.Sprintf("%.2f", r.RandomizedValue.Float64)
			}
			published := ""
			if r.PublishedAt.Valid {
				published = r.PublishedAt.Time.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("#%-6d  %10s  eps:%-6g  %s\n", r.WindowID, value, r.EpsilonCharged, published)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View publish run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No publish runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("window #%-6d  %s  %-8s  new:%d reused:%d below:%d locked:%d errors:%d  %s\n",
				r.WindowID,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.NewDraws, r.Reused, r.BelowThreshold, r.LockedSkips, r.Errors,
				duration,
			)
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage ledger snapshots",
}

var archiveKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the snapshot encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("snapshot encryption is disabled")
		}

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the ledger database from the latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		arc, err := archive.NewArchiveFromConfig(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating archive: %w", err)
		}
		if arc == nil {
			return fmt.Errorf("no archive configured")
		}

		dbPath, err := database.PathFromConfig(cfg.Database, cfg.InstanceID)
		if err != nil {
			return err
		}
		if cfg.Database.Type != "sqlite" {
			return fmt.Errorf("restore requires a sqlite database, got %s", cfg.Database.Type)
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		var dec dp.DecryptionContext
		if enc != nil {
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			if dec, err = enc.Unlock(pass); err != nil {
				return fmt.Errorf("unlocking private key: %w", err)
			}
		}

		version, err := dp.RestoreSnapshot(ctx, arc, cfg.InstanceID, dbPath, dec)
		if err != nil {
			return err
		}
		fmt.Printf("Restored snapshot version %d to %s\n", version, dbPath)
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.InstanceID)
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := db.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d (latest %d)\n", st.Current, st.Latest)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// archive subcommands
	archiveCmd.AddCommand(archiveKeygenCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().BoolP("force", "f", false, "Publish the active window before it expires")
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(releasesCmd)
	releasesCmd.Flags().IntP("limit", "n", 20, "Maximum number of releases to show")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(migrateCmd)
}
