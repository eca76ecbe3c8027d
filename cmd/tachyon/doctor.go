package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/internal/doctor"
)

var (
	doctorDB            string
	doctorMigrationsDir string
	doctorVerbose       bool
	doctorReleases      bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Check database connectivity, migration drift, pending and orphaned migrations, and the state of the latest release.`,
	Example: `  # Run health checks
  tachyon doctor --env production

  # Run with verbose output
  tachyon doctor --env production --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deps, err := openEnvironment(ctx, doctorMigrationsDir, doctorDB)
		if err != nil {
			return err
		}
		defer deps.Close()

		var opts []doctor.Option
		if doctorReleases {
			registry, closeRegistry, err := openRegistry(ctx)
			if err != nil {
				return err
			}
			defer closeRegistry()
			opts = append(opts, doctor.WithRegistry(registry))
		}

		if !quiet {
			fmt.Println("tachyon doctor - Health Check")
		}

		d := doctor.New(deps.target.Name, deps.db, deps.migrator, opts...)
		report, err := d.Run(ctx)
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		report.Print(os.Stdout, doctorVerbose)

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL (overrides the environment's database)")
	f.StringVar(&doctorMigrationsDir, "migrations-dir", "", "directory containing migration files")
	f.BoolVar(&doctorVerbose, "verbose", false, "show detailed output")
	f.BoolVar(&doctorReleases, "releases", true, "include release manifest checks")
}
