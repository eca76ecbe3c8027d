package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/internal/dbconn"
	"github.com/tachyonhq/tachyon/internal/deploy"
	"github.com/tachyonhq/tachyon/internal/environment"
	"github.com/tachyonhq/tachyon/internal/prompt"
	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/confirm"
	"github.com/tachyonhq/tachyon/pkg/health"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/migrator"
	"github.com/tachyonhq/tachyon/pkg/promotion"
)

// connectRetries bounds the ping attempts made before giving up on a
// database.
const connectRetries = 5

func actor() string {
	return resolveString(actorFlag, os.Getenv("TACHYON_ACTOR"), os.Getenv("USER"), "unknown")
}

func confirmFlags() confirm.Flags {
	return confirm.Flags{Automated: resolveBool(yesFlag, cfg.Automated())}
}

// resolveTarget returns the environment selected by --env or TACHYON_ENV.
func resolveTarget() (environment.Target, error) {
	target, err := cfg.ResolveTarget(envFlag)
	if err != nil {
		return environment.Target{}, cli.ConfigError("resolving environment", err)
	}
	return target, nil
}

// openDatabase connects to db, or to dsnOverride when set.
func openDatabase(ctx context.Context, db environment.DatabaseConfig, dsnOverride string) (*sql.DB, error) {
	dsn := dsnOverride
	if dsn == "" {
		var err error
		dsn, err = db.DSN()
		if err != nil {
			return nil, cli.ConfigError("database configuration", err)
		}
	}

	conn, err := dbconn.Open(ctx, dsn, dbconn.Options{
		MaxOpenConns:   db.MaxOpenConns,
		ConnectTimeout: db.ConnectTimeout,
		Retries:        connectRetries,
		Logger:         logger,
	})
	if err != nil {
		return nil, cli.DBConnectError("connecting to database", err)
	}
	return conn, nil
}

func loadCatalog(dir string) (*catalog.Catalog, error) {
	cat, err := catalog.Load(os.DirFS(dir))
	if err != nil {
		return nil, cli.CatalogError(fmt.Sprintf("loading migrations from %s", dir), err)
	}
	return cat, nil
}

// environmentDeps is everything a migration command needs for one target.
type environmentDeps struct {
	target   environment.Target
	db       *sql.DB
	migrator *migrator.Migrator
}

func (d *environmentDeps) Close() {
	_ = d.db.Close()
}

// openEnvironment resolves the target, loads the catalog and connects. The
// catalog is loaded first so a broken migrations directory fails before any
// connection attempt.
func openEnvironment(ctx context.Context, flagDir, flagDB string) (*environmentDeps, error) {
	target, err := resolveTarget()
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(cfg.ResolvedMigrationsDir(flagDir))
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, target.Database, flagDB)
	if err != nil {
		return nil, err
	}

	store := migrator.NewSQLStore(db, migrator.WithTrackingTable(cfg.TrackingTable))
	m := migrator.New(store, cat, target.Name, migrator.WithLogger(logger))

	return &environmentDeps{target: target, db: db, migrator: m}, nil
}

func newSession(deps *environmentDeps, emitter audit.Emitter) *environment.Session {
	gate := confirm.NewGate(prompt.ForTerminal())
	return environment.NewSession(deps.target, deps.migrator, gate, confirmFlags(), emitter, logger,
		environment.WithActor(actor()))
}

// newAuditEmitter builds the configured audit sink. The returned func
// releases its resources.
func newAuditEmitter() (audit.Emitter, func(), error) {
	switch cfg.Audit.Sink {
	case cli.AuditSinkNone:
		return audit.Nop{}, func() {}, nil
	case cli.AuditSinkLog, "":
		return audit.LogEmitter{Logger: logger}, func() {}, nil
	case cli.AuditSinkRedis:
		rc := cfg.Audit.Redis
		if rc.Addr == "" {
			return nil, nil, cli.ConfigError("audit.redis.addr is required for the redis audit sink", nil)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		emitter := audit.NewRedisEmitter(client, audit.WithStream(rc.Stream), audit.WithMaxLen(rc.MaxLen))
		return emitter, func() { _ = client.Close() }, nil
	default:
		return nil, nil, cli.ConfigError(fmt.Sprintf("unknown audit sink %q", cfg.Audit.Sink), nil)
	}
}

// openRegistry opens the configured manifest store. The returned func
// releases its resources.
func openRegistry(ctx context.Context) (*manifest.Registry, func(), error) {
	rc := cfg.Release
	switch rc.Store {
	case cli.ReleaseStoreFile, "":
		store, err := manifest.NewFileStore(rc.Dir)
		if err != nil {
			return nil, nil, cli.ConfigError("release store", err)
		}
		return manifest.NewRegistry(store), func() {}, nil

	case cli.ReleaseStorePostgres:
		dbCfg := rc.Database
		if dbCfg.IsZero() {
			dbCfg = cfg.Database
		}
		db, err := openDatabase(ctx, dbCfg, "")
		if err != nil {
			return nil, nil, err
		}
		store := manifest.NewPostgresStore(db, rc.Table)
		if err := store.EnsureTable(ctx); err != nil {
			_ = db.Close()
			return nil, nil, cli.GeneralError("preparing release table", err)
		}
		return manifest.NewRegistry(store), func() { _ = db.Close() }, nil

	default:
		return nil, nil, cli.ConfigError(fmt.Sprintf("unknown release store %q", rc.Store), nil)
	}
}

// newPromotionGate wires the registry to the deploy webhook, health prober
// and services for env. A dry run needs no webhook and records nothing.
func newPromotionGate(registry *manifest.Registry, emitter audit.Emitter, env string, dryRun bool) (*promotion.Gate, error) {
	rc := cfg.Release

	if !dryRun && rc.Deploy.Webhooks[env] == "" {
		return nil, cli.ConfigError(fmt.Sprintf("release.deploy.webhooks.%s is not configured (use --dry-run to preview)", env), nil)
	}

	services := make([]promotion.ServiceSpec, 0, len(rc.Services))
	for _, svc := range rc.Services {
		services = append(services, promotion.ServiceSpec{
			Name:       svc.Name,
			Image:      svc.Image,
			HealthURLs: svc.Health,
		})
	}

	return promotion.NewGate(promotion.Config{
		Registry: registry,
		Deployer: &deploy.Webhook{URLs: rc.Deploy.Webhooks, Token: rc.Deploy.Token},
		Prober: &health.HTTPProber{
			Interval:   rc.Health.Interval,
			Timeout:    rc.Health.Timeout,
			MaxRetries: rc.Health.MaxRetries,
			Logger:     logger,
		},
		Services: services,
		Emitter:  emitter,
		Logger:   logger,
		DryRun:   dryRun,
	}), nil
}
