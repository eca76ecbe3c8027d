package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/cli"
)

var (
	migrateDB            string
	migrateMigrationsDir string
	migrateDryRun        bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Long: `Apply pending migrations to the selected environment.

Each migration runs in its own transaction together with its tracking record.
Migrations that were already applied are verified against their recorded
checksum; a modified file stops the run before anything else is applied.`,
	Example: `  # Apply to staging
  tachyon migrate --env staging

  # Preview the SQL without applying
  tachyon migrate --env production --dry-run

  # Unattended (CI) run
  CI=true tachyon migrate --env production`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := openEnvironment(cmd.Context(), migrateMigrationsDir, migrateDB)
		if err != nil {
			return err
		}
		defer deps.Close()

		emitter, closeEmitter, err := newAuditEmitter()
		if err != nil {
			return err
		}
		defer closeEmitter()

		session := newSession(deps, emitter)

		if migrateDryRun {
			if !quiet {
				fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
				fmt.Fprintln(os.Stderr, "")
			}
			_, err := session.Plan(cmd.Context(), os.Stdout)
			if err != nil {
				return cli.Classify(err)
			}
			return nil
		}

		applied, err := session.Migrate(cmd.Context())
		if err != nil {
			return cli.Classify(err)
		}

		if !quiet {
			if applied == 0 {
				fmt.Printf("%s is up to date.\n", deps.target.Name)
			} else {
				fmt.Printf("Applied %d migration(s) to %s.\n", applied, deps.target.Name)
			}
		}
		return nil
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateDB, "db", "", "database URL (overrides the environment's database)")
	f.StringVar(&migrateMigrationsDir, "migrations-dir", "", "directory containing migration files")
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
}
