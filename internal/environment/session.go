package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/metrics"
	"github.com/tachyonhq/tachyon/pkg/confirm"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

// Session runs migration commands against one target. It owns no
// connections; the caller opens the store behind the migrator and closes it.
type Session struct {
	target   Target
	migrator *migrator.Migrator
	gate     *confirm.Gate
	flags    confirm.Flags
	emitter  audit.Emitter
	logger   *slog.Logger
	actor    string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithActor sets the actor recorded on audit events.
func WithActor(actor string) SessionOption {
	return func(s *Session) { s.actor = actor }
}

// NewSession wires a target to its migrator and confirmation gate. A nil
// emitter disables auditing and a nil logger discards output.
func NewSession(target Target, m *migrator.Migrator, gate *confirm.Gate, flags confirm.Flags, emitter audit.Emitter, logger *slog.Logger, opts ...SessionOption) *Session {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		target:   target,
		migrator: m,
		gate:     gate,
		flags:    flags,
		emitter:  emitter,
		logger:   logger.With("environment", target.Name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target returns the resolved target.
func (s *Session) Target() Target {
	return s.target
}

// Status reads the tracking store.
func (s *Session) Status(ctx context.Context) (*migrator.Status, error) {
	status, err := s.migrator.Status(ctx)
	if err != nil {
		return nil, err
	}
	metrics.PendingMigrations.WithLabelValues(s.target.Name).Set(float64(len(status.Pending)))
	return status, nil
}

// Migrate confirms and applies pending units. The operator is only asked when
// something is pending; with nothing pending the run still verifies applied
// checksums. A declined confirmation returns confirm.ErrDeclined and leaves
// the store untouched.
func (s *Session) Migrate(ctx context.Context) (int, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return 0, err
	}

	if pending := len(status.Pending); pending > 0 {
		message := fmt.Sprintf("Apply %d pending migration(s) to %s?", pending, s.target.Name)
		decision, err := s.gate.Confirm(ctx, s.target.Confirmation, s.flags, message)
		if err != nil {
			return 0, err
		}
		if decision == confirm.Abort {
			s.logger.WarnContext(ctx, "migration declined", "pending", pending)
			metrics.MigrationFailuresTotal.WithLabelValues(s.target.Name, "declined").Inc()
			s.emit(ctx, audit.MigrationDeclined, "pending", strconv.Itoa(pending))
			return 0, confirm.ErrDeclined
		}
	} else {
		s.logger.InfoContext(ctx, "no pending migrations")
	}

	applied, err := s.migrator.Migrate(ctx)
	metrics.MigrationsAppliedTotal.WithLabelValues(s.target.Name).Add(float64(applied))
	if err != nil {
		reason := failureReason(err)
		metrics.MigrationFailuresTotal.WithLabelValues(s.target.Name, reason).Inc()
		s.emit(ctx, audit.MigrationFailed, "applied", strconv.Itoa(applied), "reason", reason, "error", err.Error())
		return applied, err
	}

	if applied > 0 {
		s.emit(ctx, audit.MigrationApplied, "applied", strconv.Itoa(applied))
	}
	return applied, nil
}

// Plan writes the SQL a migrate run would execute. No confirmation is asked
// and nothing is written to the store.
func (s *Session) Plan(ctx context.Context, w io.Writer) (int, error) {
	return s.migrator.MigrateWithOptions(ctx, migrator.MigrateOptions{DryRun: w})
}

func (s *Session) emit(ctx context.Context, eventType string, kv ...string) {
	event := audit.NewEvent(eventType, s.target.Name).WithActor(s.actor)
	for i := 0; i+1 < len(kv); i += 2 {
		event = event.With(kv[i], kv[i+1])
	}
	audit.Emit(ctx, s.emitter, s.logger, event)
}

func failureReason(err error) string {
	var txErr *migrator.TransactionError
	switch {
	case errors.Is(err, migrator.ErrDriftDetected):
		return "drift"
	case errors.As(err, &txErr):
		return "transaction"
	default:
		return "other"
	}
}
