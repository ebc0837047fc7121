// Package config loads mlscore configuration from a YAML file, an optional
// .env file and MLSCORE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/api/relay"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/worker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MLSCORE_"

// Cursor table backends.
const (
	CursorBackendSQLite = "sqlite"
	CursorBackendPebble = "pebble"
)

const (
	defaultDBPath        = "mlscore.db"
	defaultRetryInterval = 30 * time.Second
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// Config is the full mlscore configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	API          APIConfig          `yaml:"api"`
	Identity     IdentityConfig     `yaml:"identity"`
	Resolver     ResolverConfig     `yaml:"resolver"`
	Membership   MembershipConfig   `yaml:"membership"`
	Workers      WorkersConfig      `yaml:"workers"`
	ForkRecovery ForkRecoveryConfig `yaml:"fork_recovery"`
	Serve        ServeConfig        `yaml:"serve"`
	Log          LogConfig          `yaml:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// CursorBackend is "sqlite" (cursors live in Path) or "pebble".
	CursorBackend string `yaml:"cursor_backend"`
	// PebbleDir is the cursor directory for the pebble backend. Defaults to
	// Path with a ".cursors" suffix.
	PebbleDir string `yaml:"pebble_dir"`
}

type APIConfig struct {
	// URL is the relay the serve command connects to.
	URL string `yaml:"url"`
	// Timeout bounds each unary relay call.
	Timeout           time.Duration `yaml:"timeout"`
	Backend           string        `yaml:"backend"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
}

// IdentityConfig names the installation the serve command runs as.
type IdentityConfig struct {
	InboxID        string `yaml:"inbox_id"`
	InstallationID string `yaml:"installation_id"`
}

type ResolverConfig struct {
	Policy string `yaml:"policy"`
}

type MembershipConfig struct {
	CacheSize   int `yaml:"cache_size"`
	Concurrency int `yaml:"concurrency"`
}

type WorkersConfig struct {
	CommitLogInterval time.Duration `yaml:"commit_log_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
}

type ForkRecoveryConfig struct {
	// Policy is none, allowlisted_groups or all.
	Policy string `yaml:"policy"`
	// Groups are the group ids allowlisted_groups requests readds for.
	Groups           []string `yaml:"groups"`
	DisableResponses bool     `yaml:"disable_responses"`
}

type ServeConfig struct {
	// MetricsListen is the address /metrics is served on. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`
	// Inboxes and Groups are subscribed to besides this installation's own
	// inbox, its welcome topic and the groups it has joined.
	Inboxes []string `yaml:"inboxes"`
	Groups  []string `yaml:"groups"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: defaultDBPath, CursorBackend: CursorBackendSQLite},
		API:      APIConfig{Backend: "centralized", Timeout: relay.DefaultTimeout},
		Resolver: ResolverConfig{Policy: association.PolicyLenient.String()},
		ForkRecovery: ForkRecoveryConfig{
			Policy: commitlog.RecoveryNone.String(),
		},
		Workers: WorkersConfig{
			CommitLogInterval: commitlog.DefaultInterval,
			RetryInterval:     defaultRetryInterval,
		},
		Log: LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path (optional when empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns the config file path: the flag when set, otherwise
// MLSCORE_CONFIG, otherwise the flag's default.
func ResolvePath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return flagPath
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("DB_PATH", &c.Database.Path)
	str("CURSOR_BACKEND", &c.Database.CursorBackend)
	str("PEBBLE_DIR", &c.Database.PebbleDir)
	str("API_URL", &c.API.URL)
	str("API_BACKEND", &c.API.Backend)
	str("INBOX_ID", &c.Identity.InboxID)
	str("INSTALLATION_ID", &c.Identity.InstallationID)
	str("FORK_RECOVERY_POLICY", &c.ForkRecovery.Policy)
	str("METRICS_LISTEN", &c.Serve.MetricsListen)
	str("RESOLVER_POLICY", &c.Resolver.Policy)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.API.RequestsPerSecond = f
	}
	if v, ok := lookup(EnvPrefix + "CACHE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCACHE_SIZE: %w", EnvPrefix, err)
		}
		c.Membership.CacheSize = n
	}
	if v, ok := lookup(EnvPrefix + "COMMIT_LOG_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCOMMIT_LOG_INTERVAL: %w", EnvPrefix, err)
		}
		c.Workers.CommitLogInterval = d
	}
	if v, ok := lookup(EnvPrefix + "RETRY_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRETRY_INTERVAL: %w", EnvPrefix, err)
		}
		c.Workers.RetryInterval = d
	}
	return nil
}

// Validate checks every enumerated field and interval.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Database.CursorBackend {
	case CursorBackendSQLite, CursorBackendPebble:
	default:
		return fmt.Errorf("unknown database.cursor_backend %q", c.Database.CursorBackend)
	}
	if _, err := api.ParseBackend(c.API.Backend); err != nil {
		return err
	}
	if _, err := association.ParsePolicy(c.Resolver.Policy); err != nil {
		return err
	}
	if _, err := commitlog.ParseRecoveryPolicy(c.ForkRecovery.Policy); err != nil {
		return fmt.Errorf("fork_recovery.policy: %w", err)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout %s is negative", c.API.Timeout)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.Workers.CommitLogInterval < worker.MinInterval {
		return fmt.Errorf("workers.commit_log_interval %s is below the minimum %s",
			c.Workers.CommitLogInterval, worker.MinInterval)
	}
	if c.Workers.RetryInterval < worker.MinInterval {
		return fmt.Errorf("workers.retry_interval %s is below the minimum %s",
			c.Workers.RetryInterval, worker.MinInterval)
	}
	return nil
}

// PebbleDir returns the directory of the pebble cursor table.
func (c *Config) PebbleDir() string {
	if c.Database.PebbleDir != "" {
		return c.Database.PebbleDir
	}
	return c.Database.Path + ".cursors"
}

// Backend returns the configured api backend. Validate must have passed.
func (c *Config) Backend() api.Backend {
	b, _ := api.ParseBackend(c.API.Backend)
	return b
}

// Policy returns the configured resolver policy. Validate must have passed.
func (c *Config) Policy() association.Policy {
	p, _ := association.ParsePolicy(c.Resolver.Policy)
	return p
}

// RecoveryPolicy returns the configured fork recovery policy. Validate must
// have passed.
func (c *Config) RecoveryPolicy() commitlog.RecoveryPolicy {
	p, _ := commitlog.ParseRecoveryPolicy(c.ForkRecovery.Policy)
	return p
}

// ValidateServe checks the settings only the serve command needs.
func (c *Config) ValidateServe() error {
	if c.API.URL == "" {
		return errors.New("api.url is required to serve")
	}
	if c.Identity.InstallationID == "" {
		return errors.New("identity.installation_id is required to serve")
	}
	if c.RecoveryPolicy() != commitlog.RecoveryNone && c.Identity.InboxID == "" {
		return errors.New("identity.inbox_id is required for fork recovery")
	}
	return nil
}

// ClientConfig returns the api client settings.
func (c *Config) ClientConfig(logger *slog.Logger) api.ClientConfig {
	return api.ClientConfig{
		RequestsPerSecond: c.API.RequestsPerSecond,
		Burst:             c.API.Burst,
		MaxAttempts:       c.API.MaxAttempts,
		BaseBackoff:       c.API.BaseBackoff,
		Logger:            logger,
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", s)
	}
	return level, nil
}
