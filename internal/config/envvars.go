package config

import (
	"strconv"
	"strings"
	"time"

	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TENANTFLOW_"

// EnvVarMapping maps environment variables to config paths.
var EnvVarMapping = map[string]string{
	"TENANTFLOW_REGISTRY_DIALECT":           "registry.dialect",
	"TENANTFLOW_REGISTRY_DSN":               "registry.dsn",
	"TENANTFLOW_TENANTS_DIALECT":            "tenants.dialect",
	"TENANTFLOW_TENANTS_DATA_DIR":           "tenants.data_dir",
	"TENANTFLOW_TENANTS_ADMIN_DSN":          "tenants.admin_dsn",
	"TENANTFLOW_TENANTS_DSN_TEMPLATE":       "tenants.dsn_template",
	"TENANTFLOW_POOL_MAX_OPEN_CONNS":        "pool.max_open_conns",
	"TENANTFLOW_POOL_MAX_IDLE_CONNS":        "pool.max_idle_conns",
	"TENANTFLOW_POOL_CONN_MAX_LIFETIME":     "pool.conn_max_lifetime",
	"TENANTFLOW_POOL_IDLE_TIMEOUT":          "pool.idle_timeout",
	"TENANTFLOW_POOL_ACQUIRE_TIMEOUT":       "pool.acquire_timeout",
	"TENANTFLOW_DRAIN_TIMEOUT":              "drain_timeout",
	"TENANTFLOW_PROVISION_RETRIES":          "provision.retries",
	"TENANTFLOW_PROVISION_BACKOFF":          "provision.backoff",
	"TENANTFLOW_PROVISION_TIMEOUT":          "provision.timeout",
	"TENANTFLOW_WORKFLOW_ALLOW_FROM_UNSET":  "workflow.allow_from_unset",
	"TENANTFLOW_WORKFLOW_ALLOW_SAME_STATUS": "workflow.allow_same_status",
	"TENANTFLOW_LOG_LEVEL":                  "log.level",
	"TENANTFLOW_LOG_FORMAT":                 "log.format",
}

// ApplyEnv applies every mapped variable that lookup reports as set.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for env, path := range EnvVarMapping {
		value, ok := lookup(env)
		if !ok {
			continue
		}
		if err := cfg.Set(path, value); err != nil {
			return err
		}
	}
	return nil
}

// Set assigns a config value by its dotted path.
func (c *Config) Set(path, value string) error {
	value = strings.TrimSpace(value)
	switch path {
	case "registry.dialect":
		c.Registry.Dialect = value
	case "registry.dsn":
		c.Registry.DSN = value
	case "tenants.dialect":
		c.Tenants.Dialect = value
	case "tenants.data_dir":
		c.Tenants.DataDir = value
	case "tenants.admin_dsn":
		c.Tenants.AdminDSN = value
	case "tenants.dsn_template":
		c.Tenants.DSNTemplate = value
	case "pool.max_open_conns":
		return setInt(&c.Pool.MaxOpenConns, path, value)
	case "pool.max_idle_conns":
		return setInt(&c.Pool.MaxIdleConns, path, value)
	case "pool.conn_max_lifetime":
		return setDuration(&c.Pool.ConnMaxLifetime, path, value)
	case "pool.idle_timeout":
		return setDuration(&c.Pool.IdleTimeout, path, value)
	case "pool.acquire_timeout":
		return setDuration(&c.Pool.AcquireTimeout, path, value)
	case "drain_timeout":
		return setDuration(&c.DrainTimeout, path, value)
	case "provision.retries":
		return setInt(&c.Provision.Retries, path, value)
	case "provision.backoff":
		return setDuration(&c.Provision.Backoff, path, value)
	case "provision.timeout":
		return setDuration(&c.Provision.Timeout, path, value)
	case "workflow.allow_from_unset":
		return setBool(&c.Workflow.AllowFromUnset, path, value)
	case "workflow.allow_same_status":
		return setBool(&c.Workflow.AllowSameStatus, path, value)
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	default:
		return flowerrors.ErrConfigInvalid(path, "unknown config key")
	}
	return nil
}

func setInt(dst *int, path, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return flowerrors.ErrConfigInvalid(path, "not an integer: "+value)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, path, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return flowerrors.ErrConfigInvalid(path, "not a duration: "+value)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, path, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return flowerrors.ErrConfigInvalid(path, "not a boolean: "+value)
	}
	*dst = b
	return nil
}

func containsNamespace(template string) bool {
	return strings.Contains(template, "{namespace}")
}
