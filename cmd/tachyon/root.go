package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/internal/logging"
	"github.com/tachyonhq/tachyon/internal/metrics"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string
	logger     *slog.Logger

	// Persistent flags
	cfgFile   string
	envFlag   string
	yesFlag   bool
	actorFlag string
	logLevel  string
	logFormat string
	noColor   bool
	quiet     bool
)

var rootCmd = &cobra.Command{
	Use:   "tachyon",
	Short: "Database migrations and release promotion",
	Long: `tachyon - database migrations and release promotion

Tachyon applies versioned SQL migrations to named environments with
checksum drift detection and typed confirmation, and promotes release
manifests from staging to production behind health checks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}

		level := resolveString(logLevel, cfg.Log.Level)
		if quiet {
			level = "error"
		}
		logger = logging.New(os.Stderr, level, resolveString(logFormat, cfg.Log.Format), noColor)
		slog.SetDefault(logger)

		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupMigrations = "migrations"
	groupRelease    = "release"
	groupUtility    = "utility"
)

func init() {
	// Persistent flags (available to all commands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: auto-discover tachyon.yaml)")
	pf.StringVarP(&envFlag, "env", "e", "", "target environment (default: TACHYON_ENV)")
	pf.BoolVarP(&yesFlag, "yes", "y", false, "skip confirmation prompts")
	pf.StringVar(&actorFlag, "actor", "", "name recorded on audit events (default: $USER)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	// Define command groups
	rootCmd.AddGroup(
		&cobra.Group{ID: groupMigrations, Title: "Migrations:"},
		&cobra.Group{ID: groupRelease, Title: "Release:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	// Migration commands
	migrateCmd.GroupID = groupMigrations
	statusCmd.GroupID = groupMigrations
	doctorCmd.GroupID = groupMigrations
	initComplianceCmd.GroupID = groupMigrations
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(initComplianceCmd)

	// Release commands
	releaseCmd.GroupID = groupRelease
	rootCmd.AddCommand(releaseCmd)

	// Utility commands
	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Metrics are exported whether or not the
// command succeeded.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	writeMetrics()
	if err != nil {
		cli.ExitWithError(err)
	}
}

func writeMetrics() {
	if cfg == nil || cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil && logger != nil {
		logger.Warn("writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

// resolveString returns the first non-empty string from the provided values.
// Used to implement precedence: flag > config > default.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveBool returns true if any of the provided values is true.
// Used for boolean flags where any true value should win.
func resolveBool(values ...bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}
