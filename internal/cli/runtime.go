package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/randalmurphal/tenantflow/internal/config"
	"github.com/randalmurphal/tenantflow/internal/db"
	"github.com/randalmurphal/tenantflow/internal/db/driver"
	"github.com/randalmurphal/tenantflow/internal/events"
	"github.com/randalmurphal/tenantflow/internal/lock"
	"github.com/randalmurphal/tenantflow/internal/router"
	"github.com/randalmurphal/tenantflow/internal/service"
	"github.com/randalmurphal/tenantflow/internal/tenant"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

// runtime is the set of components one command runs against.
type runtime struct {
	svc     *service.Service
	router  *router.Router
	gdb     *db.GlobalDB
	closers []func() error
}

// openRuntime opens the registry, builds the router for the configured
// tenant backend and wires the service over both. With a non-nil eventLog,
// every event the service publishes is written there as a JSON line when
// the runtime closes.
func openRuntime(ctx context.Context, cfg *config.Config, eventLog io.Writer) (*runtime, error) {
	log := slog.Default()
	rt := &runtime{}

	regDialect, err := driver.ParseDialect(cfg.Registry.Dialect)
	if err != nil {
		return nil, err
	}
	gdb, err := db.OpenGlobalWithDialect(ctx, cfg.Registry.DSN, regDialect)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	rt.gdb = gdb
	rt.closers = append(rt.closers, gdb.Close)

	prov, err := newProvisioner(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if c, ok := prov.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	rt.router = router.New(prov, routerOptions(cfg, log))
	// The router closes before the registry and provisioner.
	rt.closers = append([]func() error{rt.router.Close}, rt.closers...)

	opts := []service.Option{
		service.WithPolicy(workflow.Policy{
			AllowFromUnset:  cfg.Workflow.AllowFromUnset,
			AllowSameStatus: cfg.Workflow.AllowSameStatus,
		}),
		service.WithLogger(log),
	}
	if eventLog != nil {
		pub := events.NewMemoryPublisher(events.WithLogger(log))
		sub := pub.Subscribe(events.AllProjects)
		opts = append(opts, service.WithPublisher(pub))
		// Flushed first so events from a failed command are still shown.
		rt.closers = append([]func() error{func() error {
			pub.Close()
			return writeEvents(eventLog, sub)
		}}, rt.closers...)
	}

	rt.svc = service.New(tenant.NewRegistry(gdb, log), rt.router, opts...)
	return rt, nil
}

// writeEvents drains a closed subscription as JSON lines.
func writeEvents(w io.Writer, sub <-chan events.Event) error {
	enc := json.NewEncoder(w)
	for e := range sub {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

func newProvisioner(ctx context.Context, cfg *config.Config) (router.Provisioner, error) {
	dialect, err := driver.ParseDialect(cfg.Tenants.Dialect)
	if err != nil {
		return nil, err
	}
	if dialect == driver.DialectPostgres {
		return router.NewPostgresProvisioner(ctx, cfg.Tenants.AdminDSN, cfg.Tenants.DSNTemplate)
	}
	return router.NewSQLiteProvisioner(cfg.Tenants.DataDir), nil
}

func routerOptions(cfg *config.Config, log *slog.Logger) router.Options {
	opts := router.DefaultOptions()
	opts.Pool = cfg.PoolSettings()
	opts.IdleTimeout = cfg.Pool.IdleTimeout
	opts.DrainTimeout = cfg.DrainTimeout
	opts.ProvisionRetries = cfg.Provision.Retries
	opts.ProvisionBackoff = cfg.Provision.Backoff
	opts.ProvisionTimeout = cfg.Provision.Timeout
	opts.Logger = log
	// PostgreSQL arbitrates CREATE/DROP DATABASE itself; SQLite tenants
	// share a directory that concurrent invocations may race on.
	if d, err := driver.ParseDialect(cfg.Tenants.Dialect); err == nil && d == driver.DialectSQLite {
		opts.Locker = lock.NewFileLocker(filepath.Join(cfg.Tenants.DataDir, ".locks"))
	}
	return opts
}

// Close releases everything in reverse dependency order. Tenant databases
// are kept.
func (r *runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// run opens a runtime for the duration of fn.
func (a *app) run(ctx context.Context, fn func(ctx context.Context, svc *service.Service) error) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	rt, err := openRuntime(ctx, a.cfg, a.eventLog)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	return fn(ctx, rt.svc)
}
