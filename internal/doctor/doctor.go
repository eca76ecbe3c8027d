// Package doctor reports on the health of an environment's migration state
// and release history.
//
// The doctor command never modifies anything. It checks that the database is
// reachable, compares the migration catalog with the tracking table and
// summarizes the latest release manifest.
//
// Example usage:
//
//	d := doctor.New(target.Name, db, m, doctor.WithRegistry(registry))
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

var (
	passStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	categoryStyle = lipgloss.NewStyle().Bold(true)
)

func (s Status) styled() string {
	switch s {
	case StatusPass:
		return passStyle.Render(s.Symbol())
	case StatusWarn:
		return warnStyle.Render(s.Symbol())
	default:
		return failStyle.Render(s.Symbol())
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Database", "Migration State").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Environment string
	Checks      []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Find returns the first check with the given name.
func (r *Report) Find(name string) (CheckResult, bool) {
	for _, check := range r.Checks {
		if check.Name == name {
			return check, true
		}
	}
	return CheckResult{}, false
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	if r.Environment != "" {
		_, _ = fmt.Fprintf(w, "Environment: %s\n", r.Environment)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", categoryStyle.Render(cat))
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.styled(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Doctor inspects one environment.
type Doctor struct {
	environment string
	db          Pinger
	migrator    *migrator.Migrator
	registry    *manifest.Registry
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithRegistry enables the release manifest checks.
func WithRegistry(r *manifest.Registry) Option {
	return func(d *Doctor) {
		d.registry = r
	}
}

// New creates a new Doctor instance.
func New(environment string, db Pinger, m *migrator.Migrator, opts ...Option) *Doctor {
	d := &Doctor{
		environment: environment,
		db:          db,
		migrator:    m,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes all health checks and returns a report. Check failures are
// recorded in the report; an error is returned only when the report itself
// cannot be built.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{Environment: d.environment}

	if !d.checkConnection(ctx, report) {
		return report, nil
	}
	if err := d.checkMigrationState(ctx, report); err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	if d.registry != nil {
		if err := d.checkReleases(ctx, report); err != nil {
			return nil, fmt.Errorf("checking releases: %w", err)
		}
	}

	return report, nil
}

func (d *Doctor) checkConnection(ctx context.Context, report *Report) bool {
	if err := d.db.PingContext(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "connection",
			Status:   StatusFail,
			Message:  "Cannot reach the database",
			Details:  err.Error(),
			FixHint:  "Check database settings with 'tachyon config show'",
		})
		return false
	}

	report.AddCheck(CheckResult{
		Category: "Database",
		Name:     "connection",
		Status:   StatusPass,
		Message:  "Database is reachable",
	})
	return true
}

func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	const category = "Migration State"

	report.AddCheck(CheckResult{
		Category: category,
		Name:     "catalog",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Catalog has %d migrations", d.migrator.Catalog().Len()),
	})

	drifted, err := d.migrator.Verify(ctx)
	if err != nil {
		return err
	}
	if len(drifted) > 0 {
		lines := make([]string, 0, len(drifted))
		for _, drift := range drifted {
			lines = append(lines, drift.Error())
		}
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "drift",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d applied migrations were modified", len(drifted)),
			Details:  strings.Join(lines, "\n"),
			FixHint:  "Restore the original migration files and add a new migration for the change",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "drift",
			Status:   StatusPass,
			Message:  "Applied migrations match their checksums",
		})
	}

	status, err := d.migrator.Status(ctx)
	if err != nil {
		return err
	}

	if n := len(status.Pending); n > 0 {
		versions := make([]string, 0, n)
		for _, u := range status.Pending {
			versions = append(versions, u.Version)
		}
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "pending",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d pending migrations", n),
			Details:  strings.Join(versions, ", "),
			FixHint:  fmt.Sprintf("Run 'tachyon migrate --env %s'", d.environment),
		})
	} else {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "pending",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Up to date (%d applied)", len(status.Applied)),
		})
	}

	if n := len(status.Orphaned); n > 0 {
		versions := make([]string, 0, n)
		for _, rec := range status.Orphaned {
			versions = append(versions, rec.Version)
		}
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "orphaned",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d tracking records have no migration file", n),
			Details:  strings.Join(versions, ", "),
			FixHint:  "Restore the missing files or check that --migrations-dir is correct",
		})
	}

	return nil
}

func (d *Doctor) checkReleases(ctx context.Context, report *Report) error {
	const category = "Releases"

	latest, err := d.registry.Latest(ctx)
	if errors.Is(err, manifest.ErrNotFound) {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "latest",
			Status:   StatusWarn,
			Message:  "No release manifests found",
			FixHint:  "Run 'tachyon release create <version> --service name=sha'",
		})
		return nil
	}
	if err != nil {
		return err
	}

	report.AddCheck(CheckResult{
		Category: category,
		Name:     "latest",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Latest release is %s (%d services)", latest.Version, len(latest.Services)),
		Details:  strings.Join(latest.ServiceNames(), ", "),
	})

	switch {
	case latest.ProductionDeployed():
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "rollout",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Release %s is in production", latest.Version),
		})
	case latest.StagingDeployed():
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "rollout",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Release %s is in staging, awaiting production", latest.Version),
			FixHint:  fmt.Sprintf("Run 'tachyon release promote production --confirm-version %s --approved-by <who>'", latest.Version),
		})
	default:
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "rollout",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Release %s has not been deployed", latest.Version),
			FixHint:  fmt.Sprintf("Run 'tachyon release promote staging %s'", latest.Version),
		})
	}
	return nil
}
