// Package config provides configuration for tenantflow.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/util"
)

// ConfigFileName is the config file looked up in the data directory.
const ConfigFileName = "config.yaml"

// DotEnvFileName holds TENANTFLOW_* defaults next to the config file.
// Variables set in the process environment take precedence over it.
const DotEnvFileName = ".env"

// Config is the tenantflow configuration.
type Config struct {
	Registry     RegistryConfig  `yaml:"registry"`
	Tenants      TenantsConfig   `yaml:"tenants"`
	Pool         PoolConfig      `yaml:"pool"`
	DrainTimeout time.Duration   `yaml:"drain_timeout"`
	Provision    ProvisionConfig `yaml:"provision"`
	Workflow     WorkflowConfig  `yaml:"workflow"`
	Log          LogConfig       `yaml:"log"`
}

// RegistryConfig locates the global project registry.
type RegistryConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// TenantsConfig controls where tenant databases are provisioned.
type TenantsConfig struct {
	Dialect string `yaml:"dialect"`
	// DataDir holds one database file per namespace (sqlite).
	DataDir string `yaml:"data_dir"`
	// AdminDSN connects to the server that creates and drops databases (postgres).
	AdminDSN string `yaml:"admin_dsn"`
	// DSNTemplate is a connection string containing {namespace} (postgres).
	DSNTemplate string `yaml:"dsn_template"`
}

// PoolConfig bounds each tenant's connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	// AcquireTimeout is the default deadline applied to CLI operations.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ProvisionConfig controls tenant database creation.
type ProvisionConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowConfig sets the transition policy for every tenant.
type WorkflowConfig struct {
	AllowFromUnset  bool `yaml:"allow_from_unset"`
	AllowSameStatus bool `yaml:"allow_same_status"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultDataDir returns ~/.tenantflow, or .tenantflow when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tenantflow"
	}
	return filepath.Join(home, ".tenantflow")
}

// Default returns the default configuration rooted at DefaultDataDir.
func Default() *Config {
	return DefaultIn(DefaultDataDir())
}

// DefaultIn returns the default configuration with all files under dir.
func DefaultIn(dir string) *Config {
	pool := driver.DefaultPoolConfig()
	return &Config{
		Registry: RegistryConfig{
			Dialect: string(driver.DialectSQLite),
			DSN:     filepath.Join(dir, "registry.db"),
		},
		Tenants: TenantsConfig{
			Dialect: string(driver.DialectSQLite),
			DataDir: filepath.Join(dir, "tenants"),
		},
		Pool: PoolConfig{
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: pool.ConnMaxLifetime,
			IdleTimeout:     10 * time.Minute,
			AcquireTimeout:  30 * time.Second,
		},
		DrainTimeout: 10 * time.Second,
		Provision: ProvisionConfig{
			Retries: 2,
			Backoff: 200 * time.Millisecond,
			Timeout: time.Minute,
		},
		Workflow: WorkflowConfig{
			AllowFromUnset:  true,
			AllowSameStatus: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the config file at path over the defaults and then applies
// TENANTFLOW_* overrides from the environment and from a .env file beside
// the config. Missing files are not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	lookup := os.LookupEnv
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
		dotenv, err := readDotEnv(filepath.Join(filepath.Dir(path), DotEnvFileName))
		if err != nil {
			return nil, err
		}
		lookup = layered(os.LookupEnv, dotenv)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func layered(lookup func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	// Unmarshalling into the populated struct keeps defaults for absent keys.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// SaveTo writes the config as YAML, creating the parent directory.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration can be used to start the router.
func (c *Config) Validate() error {
	if _, err := driver.ParseDialect(c.Registry.Dialect); err != nil {
		return flowerrors.ErrConfigInvalid("registry.dialect", err.Error())
	}
	if c.Registry.DSN == "" {
		return flowerrors.ErrConfigInvalid("registry.dsn", "must be set")
	}

	dialect, err := driver.ParseDialect(c.Tenants.Dialect)
	if err != nil {
		return flowerrors.ErrConfigInvalid("tenants.dialect", err.Error())
	}
	switch dialect {
	case driver.DialectSQLite:
		if c.Tenants.DataDir == "" {
			return flowerrors.ErrConfigInvalid("tenants.data_dir", "required for sqlite tenants")
		}
	case driver.DialectPostgres:
		if c.Tenants.AdminDSN == "" {
			return flowerrors.ErrConfigInvalid("tenants.admin_dsn", "required for postgres tenants")
		}
		if !containsNamespace(c.Tenants.DSNTemplate) {
			return flowerrors.ErrConfigInvalid("tenants.dsn_template", "must contain {namespace}")
		}
	}

	if c.Pool.MaxOpenConns < 1 {
		return flowerrors.ErrConfigInvalid("pool.max_open_conns", "must be at least 1")
	}
	if c.Pool.MaxIdleConns < 0 || c.Pool.MaxIdleConns > c.Pool.MaxOpenConns {
		return flowerrors.ErrConfigInvalid("pool.max_idle_conns", "must be between 0 and max_open_conns")
	}
	if c.Pool.ConnMaxLifetime < 0 || c.Pool.IdleTimeout < 0 || c.Pool.AcquireTimeout < 0 {
		return flowerrors.ErrConfigInvalid("pool", "durations must not be negative")
	}
	if c.DrainTimeout <= 0 {
		return flowerrors.ErrConfigInvalid("drain_timeout", "must be positive")
	}
	if c.Provision.Retries < 0 {
		return flowerrors.ErrConfigInvalid("provision.retries", "must not be negative")
	}
	if c.Provision.Backoff < 0 || c.Provision.Timeout <= 0 {
		return flowerrors.ErrConfigInvalid("provision", "backoff must not be negative and timeout must be positive")
	}
	return nil
}

// PoolSettings converts the pool section for the driver layer.
func (c *Config) PoolSettings() driver.PoolConfig {
	return driver.PoolConfig{
		MaxOpenConns:    c.Pool.MaxOpenConns,
		MaxIdleConns:    c.Pool.MaxIdleConns,
		ConnMaxLifetime: c.Pool.ConnMaxLifetime,
	}
}
