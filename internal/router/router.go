// Package router supplies pooled connections to per-tenant databases,
// provisioning a database on first use and dropping it on release.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/tenantflow/internal/db"
	"github.com/randalmurphal/tenantflow/internal/db/driver"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/lock"
)

// Options configures a Router.
type Options struct {
	// Pool bounds each namespace's connection pool independently.
	Pool driver.PoolConfig
	// IdleTimeout is how long a handle may go unused before its idle
	// connections are released. Zero disables shrinking.
	IdleTimeout time.Duration
	// DrainTimeout bounds how long Release waits for in-flight operations
	// before cancelling them.
	DrainTimeout time.Duration
	// ProvisionTimeout bounds a single provisioning run. Provisioning is
	// detached from the first caller's cancellation since other callers
	// may be waiting on it.
	ProvisionTimeout time.Duration
	// ProvisionRetries is the number of extra attempts after a failed
	// create. Namespace collisions are never retried.
	ProvisionRetries int
	// ProvisionBackoff is the delay before the first retry; it doubles on
	// every further attempt.
	ProvisionBackoff time.Duration
	// Locker serializes provisioning and release of a namespace across
	// processes sharing the same tenant storage. Nil disables it.
	Locker lock.Locker
	// Logger receives lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default router settings.
func DefaultOptions() Options {
	return Options{
		Pool:             driver.DefaultPoolConfig(),
		IdleTimeout:      10 * time.Minute,
		DrainTimeout:     10 * time.Second,
		ProvisionTimeout: time.Minute,
		ProvisionRetries: 2,
		ProvisionBackoff: 200 * time.Millisecond,
	}
}

// Router owns one Handle per live namespace.
//
// The handles map is guarded by mu, which is never held across I/O.
// Provisioning and release for the same namespace are serialized by a
// per-namespace lock; different namespaces never wait on each other.
type Router struct {
	prov   Provisioner
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	locks   map[string]*semaphore.Weighted
	closed  bool

	flight singleflight.Group
	now    func() time.Time
}

// New creates a router over a provisioner.
func New(prov Provisioner, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewNoOpLocker()
	}
	return &Router{
		prov:    prov,
		opts:    opts,
		logger:  logger.With("component", "router"),
		handles: make(map[string]*Handle),
		locks:   make(map[string]*semaphore.Weighted),
		now:     time.Now,
	}
}

// Acquire returns the shared handle for a namespace, provisioning its
// database if none exists yet. Concurrent first acquisitions share a single
// provisioning run.
func (r *Router) Acquire(ctx context.Context, namespace string) (*Handle, error) {
	return r.get(ctx, namespace, true)
}

// Lookup returns the handle for a namespace whose database already exists.
// It never provisions; a missing database is NotFound.
func (r *Router) Lookup(ctx context.Context, namespace string) (*Handle, error) {
	return r.get(ctx, namespace, false)
}

func (r *Router) get(ctx context.Context, namespace string, provision bool) (*Handle, error) {
	if err := db.ValidateNamespace(namespace); err != nil {
		return nil, flowerrors.ErrInvalidState(namespace, fmt.Sprintf("namespace %q is not usable", namespace), err.Error())
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, flowerrors.ErrNamespaceClosed(namespace)
	}
	h := r.handles[namespace]
	r.mu.Unlock()
	if h != nil && !h.isDraining() {
		return h, nil
	}

	key := "lookup:" + namespace
	if provision {
		key = "acquire:" + namespace
	}
	detached := context.WithoutCancel(ctx)
	for {
		ch := r.flight.DoChan(key, func() (any, error) {
			return r.open(detached, namespace, provision)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errFlightSettled) {
				// Joined an Abandon barrier rather than a real open.
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Handle), nil
		case <-ctx.Done():
			return nil, flowerrors.ErrTimeout("acquire", namespace, ctx.Err())
		}
	}
}

// errFlightSettled is the result of the barrier call Abandon places on the
// acquire flight.
var errFlightSettled = errors.New("flight settled")

// Abandon undoes an acquisition the caller gave up on. It waits for any
// provisioning still running for the namespace, which outlives the caller's
// deadline, and then releases whatever that run created.
func (r *Router) Abandon(ctx context.Context, namespace string) error {
	ch := r.flight.DoChan("acquire:"+namespace, func() (any, error) {
		return nil, errFlightSettled
	})
	select {
	case <-ch:
	case <-ctx.Done():
		return flowerrors.ErrTimeout("abandon", namespace, ctx.Err())
	}
	r.logger.Info("abandoning tenant database", "namespace", namespace)
	return r.Release(ctx, namespace)
}

// open runs under singleflight. It takes the namespace lock so it cannot
// interleave with a Release of the same namespace.
func (r *Router) open(ctx context.Context, namespace string, provision bool) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProvisionTimeout)
	defer cancel()

	unlock, err := r.lockNamespace(ctx, namespace, "acquire")
	if err != nil {
		return nil, err
	}
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, flowerrors.ErrNamespaceClosed(namespace)
	}
	if h := r.handles[namespace]; h != nil {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	exists, err := r.prov.Exists(ctx, namespace)
	if err != nil {
		return nil, flowerrors.ErrProvisioningFailed(namespace, "check", err)
	}

	var tdb *db.TenantDB
	switch {
	case exists:
		if provision {
			r.logger.Warn("adopting existing tenant database", "namespace", namespace)
		}
		tdb, err = db.OpenTenantWithDialect(ctx, r.prov.DSN(namespace), r.prov.Dialect())
		if err != nil {
			return nil, flowerrors.ErrProvisioningFailed(namespace, "open", err)
		}
	case provision:
		tdb, err = r.provision(ctx, namespace)
		if err != nil {
			return nil, err
		}
	default:
		return nil, flowerrors.ErrNamespaceClosed(namespace)
	}

	tdb.Configure(r.opts.Pool)
	h := newHandle(namespace, tdb, r.opts.Pool, r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = tdb.Close()
		return nil, flowerrors.ErrNamespaceClosed(namespace)
	}
	r.handles[namespace] = h
	r.mu.Unlock()

	return h, nil
}

// provision creates the database and applies the base schema, retrying
// transient failures with exponential backoff.
func (r *Router) provision(ctx context.Context, namespace string) (*db.TenantDB, error) {
	backoff := r.opts.ProvisionBackoff
	var lastErr error

	for attempt := 0; attempt <= r.opts.ProvisionRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying tenant provisioning",
				"namespace", namespace,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, flowerrors.ErrProvisioningFailed(namespace, "create", errors.Join(lastErr, ctx.Err()))
			}
			backoff *= 2
		}

		tdb, err := r.provisionOnce(ctx, namespace)
		if err == nil {
			r.logger.Info("tenant database provisioned", "namespace", namespace, "attempts", attempt+1)
			return tdb, nil
		}
		lastErr = err
		if errors.Is(err, ErrDatabaseExists) {
			break
		}
	}

	r.logger.Error("tenant provisioning failed", "namespace", namespace, "error", lastErr)
	return nil, flowerrors.ErrProvisioningFailed(namespace, "create", lastErr)
}

// provisionOnce rolls back the physical database if schema setup fails,
// so a failed attempt never leaves a half-created tenant behind.
func (r *Router) provisionOnce(ctx context.Context, namespace string) (*db.TenantDB, error) {
	if err := r.prov.Create(ctx, namespace); err != nil {
		return nil, err
	}

	tdb, err := db.OpenTenantWithDialect(ctx, r.prov.DSN(namespace), r.prov.Dialect())
	if err != nil {
		// Rollback runs even if ctx expired.
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ProvisionTimeout)
		defer cancel()
		if dropErr := r.prov.Drop(dropCtx, namespace); dropErr != nil {
			r.logger.Error("rollback of partial tenant database failed",
				"namespace", namespace,
				"error", dropErr,
			)
			return nil, errors.Join(err, fmt.Errorf("rollback: %w", dropErr))
		}
		return nil, err
	}
	return tdb, nil
}

// Release quiesces and closes the namespace's handle, then drops its
// database. Releasing a namespace with no database succeeds without
// attempting a drop.
func (r *Router) Release(ctx context.Context, namespace string) error {
	if err := db.ValidateNamespace(namespace); err != nil {
		return flowerrors.ErrInvalidState(namespace, fmt.Sprintf("namespace %q is not usable", namespace), err.Error())
	}

	unlock, err := r.lockNamespace(ctx, namespace, "release")
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	h := r.handles[namespace]
	r.mu.Unlock()

	if h != nil {
		r.quiesce(ctx, h)
		if err := h.tdb.Close(); err != nil {
			r.logger.Warn("close tenant pool", "namespace", namespace, "error", err)
		}
		r.mu.Lock()
		delete(r.handles, namespace)
		r.mu.Unlock()
	}

	exists, err := r.prov.Exists(ctx, namespace)
	if err != nil {
		if ctx.Err() != nil {
			return flowerrors.ErrTimeout("release", namespace, err)
		}
		return flowerrors.ErrProvisioningFailed(namespace, "check", err)
	}
	if !exists {
		r.logger.Debug("tenant database already absent", "namespace", namespace)
		return nil
	}

	return r.drop(ctx, namespace)
}

// quiesce waits for in-flight operations up to DrainTimeout, then cancels
// them and waits once more for them to unwind.
func (r *Router) quiesce(ctx context.Context, h *Handle) {
	drained := h.beginDrain()

	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	n := h.cancelAll()
	r.logger.Warn("drain timeout, cancelling in-flight operations",
		"namespace", h.namespace,
		"cancelled", n,
	)

	grace := time.NewTimer(r.opts.DrainTimeout)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		r.logger.Error("operations still running after cancellation", "namespace", h.namespace)
	}
}

// drop removes the database. If sessions are still attached it terminates
// them once and retries once; a second failure is returned, never swallowed.
func (r *Router) drop(ctx context.Context, namespace string) error {
	err := r.prov.Drop(ctx, namespace)
	if err == nil {
		r.logger.Info("tenant database dropped", "namespace", namespace)
		return nil
	}
	if !errors.Is(err, ErrDatabaseInUse) {
		r.logger.Error("drop tenant database failed", "namespace", namespace, "error", err)
		return flowerrors.ErrProvisioningFailed(namespace, "drop", err)
	}

	r.logger.Warn("tenant database in use, terminating sessions", "namespace", namespace)
	if termErr := r.prov.TerminateSessions(ctx, namespace); termErr != nil {
		r.logger.Error("terminate sessions failed", "namespace", namespace, "error", termErr)
		return flowerrors.ErrProvisioningFailed(namespace, "drop", errors.Join(err, termErr))
	}

	if err := r.prov.Drop(ctx, namespace); err != nil {
		r.logger.Error("drop tenant database failed after terminating sessions",
			"namespace", namespace,
			"error", err,
		)
		return flowerrors.ErrProvisioningFailed(namespace, "drop", err)
	}

	r.logger.Info("tenant database dropped", "namespace", namespace, "terminated_sessions", true)
	return nil
}

// ShrinkIdle releases idle connections of every handle unused since
// now - IdleTimeout. Handles stay cached. Returns how many were shrunk.
func (r *Router) ShrinkIdle(now time.Time) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	shrunk := 0
	for _, h := range handles {
		if h.shrinkIfIdle(cutoff) {
			shrunk++
			r.logger.Debug("shrunk idle tenant pool", "namespace", h.namespace)
		}
	}
	return shrunk
}

// Run shrinks idle pools periodically until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	interval := r.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ShrinkIdle(r.now())
		}
	}
}

// Stats returns the state of a namespace's handle, if one is live.
func (r *Router) Stats(namespace string) (HandleStats, bool) {
	r.mu.Lock()
	h := r.handles[namespace]
	r.mu.Unlock()
	if h == nil {
		return HandleStats{}, false
	}
	return h.stats(), true
}

// Namespaces returns the namespaces with a live handle, sorted.
func (r *Router) Namespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for ns := range r.handles {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Close cancels outstanding operations and closes every pool without
// dropping any database. The router is unusable afterwards.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var g errgroup.Group
	for ns, h := range handles {
		g.Go(func() error {
			h.beginDrain()
			h.cancelAll()
			if err := h.tdb.Close(); err != nil {
				return fmt.Errorf("close tenant %s: %w", ns, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) namespaceLock(namespace string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[namespace]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.locks[namespace] = sem
	}
	return sem
}

// lockNamespace takes the in-process lock for a namespace, then the
// cross-process one, and keeps the latter alive until unlock is called.
func (r *Router) lockNamespace(ctx context.Context, namespace, op string) (func(), error) {
	sem := r.namespaceLock(namespace)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, flowerrors.ErrTimeout(op, namespace, err)
	}

	if err := r.opts.Locker.Acquire(ctx, namespace); err != nil {
		sem.Release(1)
		if ctx.Err() != nil {
			return nil, flowerrors.ErrTimeout(op, namespace, err)
		}
		return nil, flowerrors.ErrProvisioningFailed(namespace, "lock", err)
	}
	hb := lock.NewHeartbeatRunner(r.opts.Locker, namespace, lock.DefaultHeartbeatInterval)
	hb.Start(ctx)

	return func() {
		hb.Stop()
		if err := r.opts.Locker.Release(namespace); err != nil {
			r.logger.Warn("release namespace lock", "namespace", namespace, "error", err)
		}
		sem.Release(1)
	}, nil
}
