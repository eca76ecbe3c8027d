// Package dbconn opens the PostgreSQL pool used by a single command.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

// ErrConnection is wrapped by every error Open returns after the database
// could not be reached.
var ErrConnection = errors.New("database connection failed")

// Options tunes the pool and the connect retry.
type Options struct {
	// Driver is the database/sql driver name. Defaults to lib/pq ("postgres").
	Driver string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the whole connect-and-ping phase, retries
	// included.
	ConnectTimeout time.Duration

	// Retries is the number of extra ping attempts after the first.
	Retries int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Driver == "" {
		o.Driver = "postgres"
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 2
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}

// Open creates a pool for dsn and pings it with exponential backoff until
// it answers or the retry budget is spent. The caller must Close the pool.
func Open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.MaxElapsedTime = opts.ConnectTimeout

	attempt := 0
	ping := func() error {
		attempt++
		return db.PingContext(ctx)
	}
	notify := func(err error, next time.Duration) {
		if opts.Logger != nil {
			opts.Logger.WarnContext(ctx, "database not reachable, retrying", "attempt", attempt, "retry_in", next, "error", err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(opts.Retries)), ctx)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrConnection, attempt, err)
	}

	if opts.Logger != nil {
		opts.Logger.DebugContext(ctx, "database connected", "attempts", attempt, "max_open_conns", opts.MaxOpenConns)
	}
	return db, nil
}
