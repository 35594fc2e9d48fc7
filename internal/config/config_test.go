package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

func TestDefaultIn(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := DefaultIn(dir)

	assert.Equal(t, "sqlite", cfg.Registry.Dialect)
	assert.Equal(t, filepath.Join(dir, "registry.db"), cfg.Registry.DSN)
	assert.Equal(t, filepath.Join(dir, "tenants"), cfg.Tenants.DataDir)
	assert.True(t, cfg.Workflow.AllowFromUnset)
	assert.True(t, cfg.Workflow.AllowSameStatus)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Provision.Retries)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  max_open_conns: 4
  idle_timeout: 30s
drain_timeout: 3s
workflow:
  allow_same_status: false
log:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pool.MaxOpenConns)
	assert.Equal(t, 30*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.DrainTimeout)
	assert.False(t, cfg.Workflow.AllowSameStatus)
	assert.True(t, cfg.Workflow.AllowFromUnset, "keys absent from the file keep their defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("provision:\n  retries: 5\n"), 0644))
	t.Setenv("TENANTFLOW_PROVISION_RETRIES", "1")
	t.Setenv("TENANTFLOW_WORKFLOW_ALLOW_FROM_UNSET", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Provision.Retries)
	assert.False(t, cfg.Workflow.AllowFromUnset)
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFileName), []byte(
		"TENANTFLOW_LOG_LEVEL=warn\nTENANTFLOW_PROVISION_RETRIES=7\n"), 0644))
	t.Setenv("TENANTFLOW_PROVISION_RETRIES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Provision.Retries, "process environment wins over .env")
	_, set := os.LookupEnv("TENANTFLOW_LOG_LEVEL")
	assert.False(t, set, ".env must not leak into the process environment")
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("pool: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultIn(t.TempDir())
	lookup := func(key string) (string, bool) {
		if key == "TENANTFLOW_DRAIN_TIMEOUT" {
			return "soon", true
		}
		return "", false
	}
	err := ApplyEnv(cfg, lookup)
	require.Error(t, err)
	assert.Equal(t, flowerrors.CodeConfigInvalid, flowerrors.CodeOf(err))
}

func TestSet_UnknownKey(t *testing.T) {
	t.Parallel()
	assert.Error(t, DefaultIn(t.TempDir()).Set("pool.size", "3"))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad registry dialect", func(c *Config) { c.Registry.Dialect = "mysql" }},
		{"empty registry dsn", func(c *Config) { c.Registry.DSN = "" }},
		{"sqlite without data dir", func(c *Config) { c.Tenants.DataDir = "" }},
		{"postgres without admin dsn", func(c *Config) {
			c.Tenants.Dialect = "postgres"
			c.Tenants.DSNTemplate = "postgres://localhost/{namespace}"
		}},
		{"postgres template without placeholder", func(c *Config) {
			c.Tenants.Dialect = "postgres"
			c.Tenants.AdminDSN = "postgres://localhost/postgres"
			c.Tenants.DSNTemplate = "postgres://localhost/app"
		}},
		{"zero max open", func(c *Config) { c.Pool.MaxOpenConns = 0 }},
		{"idle above open", func(c *Config) { c.Pool.MaxIdleConns = c.Pool.MaxOpenConns + 1 }},
		{"zero drain timeout", func(c *Config) { c.DrainTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Provision.Retries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultIn(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, flowerrors.CodeConfigInvalid, flowerrors.CodeOf(err))
		})
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := DefaultIn(dir)
	cfg.Pool.MaxOpenConns = 7
	cfg.Provision.Backoff = 50 * time.Millisecond

	path := filepath.Join(dir, "nested", ConfigFileName)
	require.NoError(t, cfg.SaveTo(path))

	loaded := DefaultIn(t.TempDir())
	require.NoError(t, loaded.mergeFile(path))
	assert.Equal(t, cfg, loaded)
}

func TestPoolSettings(t *testing.T) {
	t.Parallel()
	cfg := DefaultIn(t.TempDir())
	cfg.Pool.MaxOpenConns = 6
	cfg.Pool.MaxIdleConns = 2
	p := cfg.PoolSettings()
	assert.Equal(t, 6, p.MaxOpenConns)
	assert.Equal(t, 2, p.MaxIdleConns)
}
