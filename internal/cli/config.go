package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/compliance"
	"github.com/tachyonhq/tachyon/internal/environment"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

const (
	maxWalkDepth = 25
)

// Release store kinds.
const (
	ReleaseStoreFile     = "file"
	ReleaseStorePostgres = "postgres"
)

// Audit sink kinds.
const (
	AuditSinkNone  = "none"
	AuditSinkLog   = "log"
	AuditSinkRedis = "redis"
)

// Config represents the tachyon configuration from tachyon.yaml.
type Config struct {
	// Env selects the target environment (TACHYON_ENV).
	Env string `mapstructure:"env" json:"env,omitempty"`

	// AutoConfirm skips confirmation prompts (TACHYON_AUTO_CONFIRM).
	AutoConfirm bool `mapstructure:"auto_confirm" json:"auto_confirm"`

	// CI is bound to the CI variable set by most CI systems.
	CI bool `mapstructure:"ci" json:"ci"`

	MigrationsDir string `mapstructure:"migrations_dir" json:"migrations_dir"`
	TrackingTable string `mapstructure:"tracking_table" json:"tracking_table"`

	// Database is used by environments that do not configure their own.
	Database environment.DatabaseConfig `mapstructure:"database" json:"database"`

	Environments map[string]environment.EnvironmentConfig `mapstructure:"environments" json:"environments,omitempty"`

	Release    ReleaseConfig    `mapstructure:"release" json:"release"`
	Audit      AuditConfig      `mapstructure:"audit" json:"audit"`
	Compliance ComplianceConfig `mapstructure:"compliance" json:"compliance"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
}

// ReleaseConfig holds release manifest and promotion settings.
type ReleaseConfig struct {
	Store    string                     `mapstructure:"store" json:"store"`
	Dir      string                     `mapstructure:"dir" json:"dir,omitempty"`
	Table    string                     `mapstructure:"table" json:"table,omitempty"`
	Database environment.DatabaseConfig `mapstructure:"database" json:"database,omitempty"`
	Services []ServiceConfig            `mapstructure:"services" json:"services,omitempty"`
	Deploy   DeployConfig               `mapstructure:"deploy" json:"deploy"`
	Health   HealthConfig               `mapstructure:"health" json:"health"`
}

// ServiceConfig describes a deployable service.
type ServiceConfig struct {
	Name  string `mapstructure:"name" json:"name"`
	Image string `mapstructure:"image" json:"image,omitempty"`
	// Health maps environment name to health endpoint URL.
	Health map[string]string `mapstructure:"health" json:"health,omitempty"`
}

// DeployConfig configures the deploy webhook.
type DeployConfig struct {
	Webhooks map[string]string `mapstructure:"webhooks" json:"webhooks,omitempty"`
	Token    string            `mapstructure:"token" json:"token,omitempty"`
}

// HealthConfig tunes post-deploy health polling.
type HealthConfig struct {
	Interval   time.Duration `mapstructure:"interval" json:"interval"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink  string      `mapstructure:"sink" json:"sink"`
	Redis RedisConfig `mapstructure:"redis" json:"redis"`
}

// RedisConfig holds the Redis audit stream settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db"`
	Stream   string `mapstructure:"stream" json:"stream"`
	MaxLen   int64  `mapstructure:"max_len" json:"max_len"`
}

// ComplianceConfig configures init-compliance-data.
type ComplianceConfig struct {
	Required bool                 `mapstructure:"required" json:"required"`
	Table    string               `mapstructure:"table" json:"table"`
	Controls []compliance.Control `mapstructure:"controls" json:"controls,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// Textfile is a node_exporter textfile collector path. Empty disables
	// export.
	Textfile string `mapstructure:"textfile" json:"textfile,omitempty"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("TACHYON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("ci", "CI"); err != nil {
		return nil, "", fmt.Errorf("binding CI: %w", err)
	}

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "")
	v.SetDefault("auto_confirm", false)
	v.SetDefault("ci", false)
	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("tracking_table", migrator.DefaultTrackingTable)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.connect_timeout", 30*time.Second)

	// Release defaults
	v.SetDefault("release.store", ReleaseStoreFile)
	v.SetDefault("release.dir", "releases")
	v.SetDefault("release.table", manifest.DefaultTable)
	v.SetDefault("release.health.interval", 2*time.Second)
	v.SetDefault("release.health.timeout", 5*time.Minute)
	v.SetDefault("release.health.max_retries", 60)

	// Audit defaults
	v.SetDefault("audit.sink", AuditSinkLog)
	v.SetDefault("audit.redis.addr", "")
	v.SetDefault("audit.redis.db", 0)
	v.SetDefault("audit.redis.stream", audit.DefaultStream)
	v.SetDefault("audit.redis.max_len", 100000)

	// Compliance defaults
	v.SetDefault("compliance.required", false)
	v.SetDefault("compliance.table", compliance.DefaultTable)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.textfile", "")
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for tachyon.yaml or tachyon.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range []string{"tachyon.yaml", "tachyon.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Stop at the repository root
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// Automated reports whether prompts are skipped for this run.
func (c *Config) Automated() bool {
	return c.AutoConfirm || c.CI
}

// EnvironmentConfigs returns the configured environments, or the built-in
// ones when none are configured. Environments without their own database
// settings inherit the top-level database block; pool settings left at zero
// are inherited too.
func (c *Config) EnvironmentConfigs() map[string]environment.EnvironmentConfig {
	src := c.Environments
	if len(src) == 0 {
		src = environment.Defaults()
	}

	out := make(map[string]environment.EnvironmentConfig, len(src))
	for name, env := range src {
		if env.Database.IsZero() {
			env.Database = c.Database
		}
		if env.Database.Port == 0 {
			env.Database.Port = c.Database.Port
		}
		if env.Database.MaxOpenConns == 0 {
			env.Database.MaxOpenConns = c.Database.MaxOpenConns
		}
		if env.Database.ConnectTimeout == 0 {
			env.Database.ConnectTimeout = c.Database.ConnectTimeout
		}
		out[name] = env
	}
	return out
}

// ResolveTarget resolves the environment selected by flag or TACHYON_ENV.
func (c *Config) ResolveTarget(flagEnv string) (environment.Target, error) {
	name := flagEnv
	if name == "" {
		name = c.Env
	}
	return environment.Resolve(c.EnvironmentConfigs(), name)
}

// ResolvedMigrationsDir returns the flag value when set, else the config.
func (c *Config) ResolvedMigrationsDir(flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	return c.MigrationsDir
}
