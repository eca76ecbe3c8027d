package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

var (
	statusDB            string
	statusMigrationsDir string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Long:  `Show which migrations are applied to the selected environment and which are pending. Nothing is modified.`,
	Example: `  # Check staging
  tachyon status --env staging`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := openEnvironment(cmd.Context(), statusMigrationsDir, statusDB)
		if err != nil {
			return err
		}
		defer deps.Close()

		status, err := newSession(deps, audit.Nop{}).Status(cmd.Context())
		if err != nil {
			return cli.GeneralError("getting status", err)
		}

		printStatus(deps.target.Name, status)
		return nil
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusDB, "db", "", "database URL (overrides the environment's database)")
	f.StringVar(&statusMigrationsDir, "migrations-dir", "", "directory containing migration files")
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	pendingStyle = cellStyle.Foreground(lipgloss.Color("3"))
	orphanStyle  = cellStyle.Foreground(lipgloss.Color("1"))
)

func printStatus(env string, status *migrator.Status) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("VERSION", "DESCRIPTION", "STATE", "APPLIED AT", "CHECKSUM")

	rowStyles := make([]lipgloss.Style, 0, len(status.Applied)+len(status.Pending)+len(status.Orphaned))
	for _, rec := range status.Applied {
		t.Row(rec.Version, rec.Description, "applied", rec.AppliedAt.Local().Format("2006-01-02 15:04:05"), rec.Checksum.Short())
		rowStyles = append(rowStyles, cellStyle)
	}
	for _, u := range status.Pending {
		t.Row(u.Version, u.Description, "pending", "", "")
		rowStyles = append(rowStyles, pendingStyle)
	}
	for _, rec := range status.Orphaned {
		t.Row(rec.Version, rec.Description, "orphaned", rec.AppliedAt.Local().Format("2006-01-02 15:04:05"), rec.Checksum.Short())
		rowStyles = append(rowStyles, orphanStyle)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if row >= 0 && row < len(rowStyles) {
			return rowStyles[row]
		}
		return cellStyle
	})

	fmt.Printf("Environment: %s\n", env)
	fmt.Fprintln(os.Stdout, t.Render())
	fmt.Printf("%d applied, %d pending", len(status.Applied), len(status.Pending))
	if n := len(status.Orphaned); n > 0 {
		fmt.Printf(", %d orphaned (no migration file)", n)
	}
	fmt.Println()
}
