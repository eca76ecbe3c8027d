// Package environment resolves the deployment target a command runs against.
//
// A Target is the immutable description of one named environment: its
// database, its risk tier and the confirmation policy derived from it. It is
// built once from configuration and passed down; components never read
// process environment variables themselves.
package environment

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tachyonhq/tachyon/pkg/confirm"
)

// Built-in environment names.
const (
	Development = "development"
	Staging     = "staging"
	Production  = "production"
)

// RiskTier classifies how dangerous a change to an environment is.
type RiskTier string

// Risk tiers.
const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ParseRiskTier parses a tier name. Empty defaults to high.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh, "":
		return RiskHigh, nil
	default:
		return "", fmt.Errorf("%w: %q (want low, medium or high)", ErrInvalidRisk, s)
	}
}

// DefaultPolicy returns the confirmation policy for a tier:
//
//	low    -> no prompt
//	medium -> type the environment name
//	high   -> type the environment name in upper case
func DefaultPolicy(tier RiskTier, name string) confirm.Policy {
	switch tier {
	case RiskLow:
		return confirm.Policy{}
	case RiskMedium:
		return confirm.Policy{Required: true, Keyword: name}
	default:
		return confirm.Policy{Required: true, Keyword: strings.ToUpper(name)}
	}
}

// Sentinel errors.
var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrNoEnvironment      = errors.New("no environment selected")
	ErrInvalidRisk        = errors.New("invalid risk tier")
)

// ConfigurationError reports a target that cannot be resolved.
type ConfigurationError struct {
	Environment string
	Known       []string
	Err         error
}

func (e *ConfigurationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrNoEnvironment):
		return fmt.Sprintf("%v (set --env or TACHYON_ENV; known: %s)", e.Err, strings.Join(e.Known, ", "))
	case errors.Is(e.Err, ErrUnknownEnvironment):
		return fmt.Sprintf("%v %q (known: %s)", e.Err, e.Environment, strings.Join(e.Known, ", "))
	default:
		return fmt.Sprintf("environment %q: %v", e.Environment, e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// DatabaseConfig holds connection settings for one environment.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"url,omitempty"`
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Name     string `mapstructure:"name" json:"name,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode,omitempty"`

	MaxOpenConns   int           `mapstructure:"max_open_conns" json:"max_open_conns,omitempty"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout,omitempty"`
}

// IsZero reports whether no connection setting is present.
func (d DatabaseConfig) IsZero() bool {
	return d.URL == "" && d.Host == "" && d.Name == "" && d.User == ""
}

// DSN returns the connection string. url wins when set; otherwise a
// postgres:// URL is built from the discrete fields.
func (d DatabaseConfig) DSN() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}

	if d.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if d.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if d.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	port := d.Port
	if port == 0 {
		port = 5432
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, port),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}

	q := u.Query()
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(d.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Redacted returns the DSN with any password masked, for display.
func (d DatabaseConfig) Redacted() string {
	dsn, err := d.DSN()
	if err != nil {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// EnvironmentConfig is the configuration block of one environment.
type EnvironmentConfig struct {
	Database DatabaseConfig `mapstructure:"database" json:"database,omitempty"`
	Risk     string         `mapstructure:"risk" json:"risk,omitempty"`

	// RequiresConfirmation overrides the tier default when set.
	RequiresConfirmation *bool `mapstructure:"requires_confirmation" json:"requires_confirmation,omitempty"`

	// ConfirmationKeyword overrides the tier default keyword when set.
	ConfirmationKeyword string `mapstructure:"confirmation_keyword" json:"confirmation_keyword,omitempty"`
}

// Defaults returns the built-in environments.
func Defaults() map[string]EnvironmentConfig {
	return map[string]EnvironmentConfig{
		Development: {Risk: string(RiskLow)},
		Staging:     {Risk: string(RiskMedium)},
		Production:  {Risk: string(RiskHigh)},
	}
}

// Target is a resolved environment.
type Target struct {
	Name         string
	Database     DatabaseConfig
	Risk         RiskTier
	Confirmation confirm.Policy
}

// Resolve looks name up in envs and derives its confirmation policy. Names
// are matched exactly.
func Resolve(envs map[string]EnvironmentConfig, name string) (Target, error) {
	known := Names(envs)

	if name == "" {
		return Target{}, &ConfigurationError{Known: known, Err: ErrNoEnvironment}
	}
	cfg, ok := envs[name]
	if !ok {
		return Target{}, &ConfigurationError{Environment: name, Known: known, Err: ErrUnknownEnvironment}
	}

	tier, err := ParseRiskTier(cfg.Risk)
	if err != nil {
		return Target{}, &ConfigurationError{Environment: name, Known: known, Err: err}
	}

	policy := DefaultPolicy(tier, name)
	if cfg.RequiresConfirmation != nil {
		policy.Required = *cfg.RequiresConfirmation
		if policy.Required && policy.Keyword == "" {
			policy.Keyword = name
		}
	}
	if cfg.ConfirmationKeyword != "" {
		policy.Keyword = cfg.ConfirmationKeyword
	}
	if !policy.Required {
		policy.Keyword = ""
	}

	return Target{
		Name:         name,
		Database:     cfg.Database,
		Risk:         tier,
		Confirmation: policy,
	}, nil
}

// Names returns the sorted environment names.
func Names(envs map[string]EnvironmentConfig) []string {
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
