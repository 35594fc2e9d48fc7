package router

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db"
	"github.com/randalmurphal/tenantflow/internal/db/driver"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

// Handle binds a namespace to its live connection pool. All operations on a
// tenant go through Begin/Do so the router can tell when the handle is
// quiescent.
type Handle struct {
	namespace string
	tdb       *db.TenantDB
	pool      driver.PoolConfig

	mu       sync.Mutex
	inflight int
	draining bool
	drained  chan struct{} // closed when inflight reaches zero while draining
	cancels  map[uint64]context.CancelFunc
	nextOp   uint64
	lastUsed time.Time
	shrunk   bool
}

func newHandle(namespace string, tdb *db.TenantDB, pool driver.PoolConfig, now time.Time) *Handle {
	return &Handle{
		namespace: namespace,
		tdb:       tdb,
		pool:      pool,
		cancels:   make(map[uint64]context.CancelFunc),
		lastUsed:  now,
	}
}

// Namespace returns the tenant namespace.
func (h *Handle) Namespace() string { return h.namespace }

// Begin registers an in-flight operation. The returned context is cancelled
// when the router force-drains the handle; end must be called exactly once.
func (h *Handle) Begin(ctx context.Context) (context.Context, *db.TenantDB, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining {
		return nil, nil, nil, flowerrors.ErrNamespaceClosed(h.namespace)
	}

	h.inflight++
	h.lastUsed = time.Now()
	if h.shrunk {
		h.tdb.Driver().SetMaxIdleConns(h.pool.MaxIdleConns)
		h.shrunk = false
	}

	opCtx, cancel := context.WithCancel(ctx)
	id := h.nextOp
	h.nextOp++
	h.cancels[id] = cancel

	var once sync.Once
	end := func() {
		once.Do(func() { h.end(id) })
	}
	return opCtx, h.tdb, end, nil
}

func (h *Handle) end(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cancel, ok := h.cancels[id]; ok {
		cancel()
		delete(h.cancels, id)
	}
	h.inflight--
	h.lastUsed = time.Now()
	if h.draining && h.inflight == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// Do runs fn as a tracked operation against the tenant database.
// Context errors from fn are reported as Timeout.
func (h *Handle) Do(ctx context.Context, fn func(ctx context.Context, tdb *db.TenantDB) error) error {
	opCtx, tdb, end, err := h.Begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if err := fn(opCtx, tdb); err != nil {
		if ctxErr := opCtx.Err(); ctxErr != nil && flowerrors.AsError(err) == nil {
			return flowerrors.ErrTimeout("operation", h.namespace, err)
		}
		return err
	}
	return nil
}

// beginDrain stops new operations and returns a channel closed once the
// in-flight count reaches zero.
func (h *Handle) beginDrain() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.draining = true
	ch := make(chan struct{})
	if h.inflight == 0 {
		close(ch)
		return ch
	}
	h.drained = ch
	return ch
}

// cancelAll cancels the contexts of every outstanding operation and returns
// how many there were.
func (h *Handle) cancelAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cancel := range h.cancels {
		cancel()
	}
	return len(h.cancels)
}

func (h *Handle) isDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// shrinkIfIdle drops the pool's idle connections when nothing has used the
// handle since cutoff.
func (h *Handle) shrinkIfIdle(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shrunk || h.draining || h.inflight > 0 || h.lastUsed.After(cutoff) {
		return false
	}
	h.tdb.Driver().SetMaxIdleConns(0)
	h.shrunk = true
	return true
}

// HandleStats is a point-in-time view of a handle.
type HandleStats struct {
	Namespace string
	InFlight  int
	Draining  bool
	Shrunk    bool
	LastUsed  time.Time
	Pool      sql.DBStats
}

func (h *Handle) stats() HandleStats {
	h.mu.Lock()
	s := HandleStats{
		Namespace: h.namespace,
		InFlight:  h.inflight,
		Draining:  h.draining,
		Shrunk:    h.shrunk,
		LastUsed:  h.lastUsed,
	}
	h.mu.Unlock()
	s.Pool = h.tdb.Stats()
	return s
}

// Source supplies handles for tenants whose database already exists.
// *Router satisfies it.
type Source interface {
	Lookup(ctx context.Context, namespace string) (*Handle, error)
}

// With runs fn as a tracked operation on the namespace's handle. Expiry of
// the caller's context is reported as Timeout naming op.
func With(ctx context.Context, src Source, namespace, op string, fn func(ctx context.Context, tdb *db.TenantDB) error) error {
	h, err := src.Lookup(ctx, namespace)
	if err != nil {
		return err
	}
	err = h.Do(ctx, fn)
	if err != nil && ctx.Err() != nil && flowerrors.AsError(err) == nil {
		return flowerrors.ErrTimeout(op, namespace, err)
	}
	return flowerrors.FromContext(err, op, namespace)
}
