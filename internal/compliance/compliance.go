// Package compliance seeds the per-environment control records auditors
// expect to find after a deployment.
package compliance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

// DefaultTable holds the control records.
const DefaultTable = "tachyon_compliance_records"

// Control is one compliance control.
type Control struct {
	ID          string `mapstructure:"id" json:"id"`
	Description string `mapstructure:"description" json:"description"`
}

// DefaultControls is the control set seeded when none is configured.
func DefaultControls() []Control {
	return []Control{
		{ID: "CM-3", Description: "Schema changes are applied through tracked, checksummed migrations"},
		{ID: "CM-5", Description: "Production changes require explicit operator confirmation"},
		{ID: "SA-10", Description: "Production releases ship only artifacts validated in staging"},
		{ID: "AU-2", Description: "Migration and promotion events are sent to the audit log"},
	}
}

// Config configures a Seeder.
type Config struct {
	// Required makes insert failures fatal. When false they are logged and
	// Seed reports success.
	Required bool
	Table    string
	Controls []Control
}

// Seeder writes control records.
type Seeder struct {
	db      migrator.DB
	cfg     Config
	emitter audit.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSeeder creates a seeder over db. The caller owns db.
func NewSeeder(db migrator.DB, cfg Config, emitter audit.Emitter, logger *slog.Logger) *Seeder {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if len(cfg.Controls) == 0 {
		cfg.Controls = DefaultControls()
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Seeder{
		db:      db,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Seed inserts every control for environment and returns how many rows were
// new. Existing records are left alone. An audit event is attempted in all
// cases.
func (s *Seeder) Seed(ctx context.Context, environment string) (int, error) {
	log := s.logger.With("environment", environment, "table", s.cfg.Table)

	inserted, err := s.insert(ctx, environment)
	if err != nil {
		audit.Emit(ctx, s.emitter, log, audit.NewEvent(audit.ComplianceFailed, environment).
			With("required", strconv.FormatBool(s.cfg.Required)).
			With("error", err.Error()))
		if s.cfg.Required {
			return 0, err
		}
		log.WarnContext(ctx, "compliance data not initialized", "error", err)
		return 0, nil
	}

	log.InfoContext(ctx, "compliance data initialized", "inserted", inserted, "controls", len(s.cfg.Controls))
	audit.Emit(ctx, s.emitter, log, audit.NewEvent(audit.ComplianceInitialized, environment).
		With("inserted", strconv.Itoa(inserted)))
	return inserted, nil
}

func (s *Seeder) insert(ctx context.Context, environment string) (int, error) {
	table := pq.QuoteIdentifier(s.cfg.Table)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	control_id  TEXT NOT NULL,
	description TEXT NOT NULL,
	environment TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (control_id, environment)
)`, table)); err != nil {
		return 0, fmt.Errorf("creating compliance table: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (control_id, description, environment, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (control_id, environment) DO NOTHING
	`, table)

	at := s.now()
	inserted := 0
	for _, c := range s.cfg.Controls {
		res, err := tx.ExecContext(ctx, query, c.ID, c.Description, environment, at)
		if err != nil {
			return 0, fmt.Errorf("inserting control %s: %w", c.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing compliance records: %w", err)
	}
	return inserted, nil
}
