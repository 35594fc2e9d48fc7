package router

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// NewTestRouter creates a router that provisions SQLite tenants under a
// per-test temporary directory. The router is closed when the test completes.
func NewTestRouter(t testing.TB) *Router {
	t.Helper()
	r := New(NewSQLiteProvisioner(t.TempDir()), testRouterOptions())
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r
}

func testRouterOptions() Options {
	return Options{
		Pool:             driver.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2},
		IdleTimeout:      time.Minute,
		DrainTimeout:     2 * time.Second,
		ProvisionTimeout: 10 * time.Second,
		ProvisionRetries: 2,
		ProvisionBackoff: time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}
