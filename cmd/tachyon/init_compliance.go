package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/internal/compliance"
)

var (
	complianceDB       string
	complianceRequired bool
)

var initComplianceCmd = &cobra.Command{
	Use:   "init-compliance-data",
	Short: "Record compliance controls for an environment",
	Long: `Insert the configured compliance control records for the selected
environment. Existing records are left alone, so the command is safe to rerun.

Failures are reported as warnings unless compliance.required is set.`,
	Example: `  tachyon init-compliance-data --env production --required`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		target, err := resolveTarget()
		if err != nil {
			return err
		}

		db, err := openDatabase(ctx, target.Database, complianceDB)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		emitter, closeEmitter, err := newAuditEmitter()
		if err != nil {
			return err
		}
		defer closeEmitter()

		seeder := compliance.NewSeeder(db, compliance.Config{
			Required: resolveBool(complianceRequired, cfg.Compliance.Required),
			Table:    cfg.Compliance.Table,
			Controls: cfg.Compliance.Controls,
		}, emitter, logger)

		inserted, err := seeder.Seed(ctx, target.Name)
		if err != nil {
			return cli.GeneralError("initializing compliance data", err)
		}

		if !quiet {
			fmt.Printf("Compliance data for %s: %d new record(s).\n", target.Name, inserted)
		}
		return nil
	},
}

func init() {
	f := initComplianceCmd.Flags()
	f.StringVar(&complianceDB, "db", "", "database URL (overrides the environment's database)")
	f.BoolVar(&complianceRequired, "required", false, "fail when the records cannot be written")
}
