// Package metrics holds the Prometheus collectors updated by tachyon
// commands. Collectors live in their own registry; a one-shot CLI has no
// scrape endpoint, so the registry is flushed to a node_exporter textfile at
// the end of a command when metrics.textfile is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every tachyon collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// MigrationsAppliedTotal counts units committed by migrate.
var MigrationsAppliedTotal = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tachyon_migrations_applied_total",
		Help: "Total migration units applied",
	},
	[]string{"environment"},
)

// MigrationFailuresTotal counts migrate runs that stopped on an error.
// reason is one of drift, transaction, declined, other.
var MigrationFailuresTotal = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tachyon_migration_failures_total",
		Help: "Total migration runs that did not complete",
	},
	[]string{"environment", "reason"},
)

// PendingMigrations is the pending count seen by the last status read.
var PendingMigrations = factory.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tachyon_pending_migrations",
		Help: "Pending migration units at last status check",
	},
	[]string{"environment"},
)

// PromotionsTotal counts promotion attempts by outcome (succeeded, failed).
var PromotionsTotal = factory.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tachyon_promotions_total",
		Help: "Total release promotions",
	},
	[]string{"environment", "outcome"},
)

// HealthCheckDuration tracks the time until a service reported healthy or
// gave up.
var HealthCheckDuration = factory.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tachyon_health_check_duration_seconds",
		Help:    "Time spent waiting for a service to become healthy",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
	[]string{"environment", "service"},
)

// WriteTextfile writes the registry to path in the Prometheus text format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
