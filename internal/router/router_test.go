package router

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/lock"
	"github.com/randalmurphal/tenantflow/internal/logger"
)

// fakeProvisioner wraps a real SQLite provisioner with call counters and
// injectable failures.
type fakeProvisioner struct {
	*SQLiteProvisioner

	creates    atomic.Int32
	drops      atomic.Int32
	terminates atomic.Int32

	mu           sync.Mutex
	createErrs   []error
	dropErrs     []error
	beforeCreate func()
	afterCreate  func(path string)
	hideExisting bool
}

func newFakeProvisioner(t *testing.T) *fakeProvisioner {
	return &fakeProvisioner{SQLiteProvisioner: NewSQLiteProvisioner(t.TempDir())}
}

func (f *fakeProvisioner) Exists(ctx context.Context, ns string) (bool, error) {
	f.mu.Lock()
	hide := f.hideExisting
	f.mu.Unlock()
	if hide {
		return false, nil
	}
	return f.SQLiteProvisioner.Exists(ctx, ns)
}

func (f *fakeProvisioner) Create(ctx context.Context, ns string) error {
	f.creates.Add(1)
	f.mu.Lock()
	before, after := f.beforeCreate, f.afterCreate
	var injected error
	if len(f.createErrs) > 0 {
		injected, f.createErrs = f.createErrs[0], f.createErrs[1:]
	}
	f.mu.Unlock()

	if before != nil {
		before()
	}
	if injected != nil {
		return injected
	}
	if err := f.SQLiteProvisioner.Create(ctx, ns); err != nil {
		return err
	}
	if after != nil {
		after(f.DSN(ns))
	}
	return nil
}

func (f *fakeProvisioner) Drop(ctx context.Context, ns string) error {
	f.drops.Add(1)
	f.mu.Lock()
	var injected error
	if len(f.dropErrs) > 0 {
		injected, f.dropErrs = f.dropErrs[0], f.dropErrs[1:]
	}
	f.mu.Unlock()
	if injected != nil {
		return injected
	}
	return f.SQLiteProvisioner.Drop(ctx, ns)
}

func (f *fakeProvisioner) TerminateSessions(ctx context.Context, ns string) error {
	f.terminates.Add(1)
	return f.SQLiteProvisioner.TerminateSessions(ctx, ns)
}

func newTestRouterWith(t *testing.T, prov Provisioner, mutate func(*Options)) *Router {
	t.Helper()
	opts := testRouterOptions()
	if mutate != nil {
		mutate(&opts)
	}
	r := New(prov, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAcquire_SingleProvisioningUnderRace(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	// Widen the window so every goroutine arrives before provisioning ends.
	prov.beforeCreate = func() { time.Sleep(50 * time.Millisecond) }
	r := newTestRouterWith(t, prov, nil)

	const n = 16
	handles := make([]*Handle, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			h, err := r.Acquire(context.Background(), "t_race")
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), prov.creates.Load(), "database must be created exactly once")
	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i], "all callers share one handle")
	}

	err := handles[0].Do(context.Background(), func(ctx context.Context, tdb *db.TenantDB) error {
		statuses, err := tdb.ListStatuses(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, statuses, 3)
		return nil
	})
	require.NoError(t, err)
}

func TestAcquire_ReusesExistingDatabase(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "t_reuse")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// A fresh router finds the database on disk and does not recreate it.
	var logs bytes.Buffer
	log, err := logger.New("warn", "json", &logs)
	require.NoError(t, err)
	withLog := func(o *Options) { o.Logger = log }
	r2 := newTestRouterWith(t, prov, withLog)
	h2, err := r2.Acquire(ctx, "t_reuse")
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, int32(1), prov.creates.Load())
	assert.Contains(t, logs.String(), "adopting existing tenant database")
	assert.Contains(t, logs.String(), `"namespace":"t_reuse"`)

	// Looking up an existing database is not an adoption.
	require.NoError(t, r2.Close())
	logs.Reset()
	r3 := newTestRouterWith(t, prov, withLog)
	_, err = r3.Lookup(ctx, "t_reuse")
	require.NoError(t, err)
	assert.Empty(t, logs.String())
}

func TestLookup_MissingDatabaseIsNotFound(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)

	_, err := r.Lookup(context.Background(), "t_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.NotFound)
	assert.Equal(t, int32(0), prov.creates.Load(), "lookup never provisions")

	_, err = r.Acquire(context.Background(), "t_missing")
	require.NoError(t, err)
	h, err := r.Lookup(context.Background(), "t_missing")
	require.NoError(t, err)
	assert.Equal(t, "t_missing", h.Namespace())
}

func TestAcquire_InvalidNamespace(t *testing.T) {
	t.Parallel()
	r := NewTestRouter(t)
	_, err := r.Acquire(context.Background(), "Bad-Name")
	assert.ErrorIs(t, err, flowerrors.InvalidState)
}

func TestAcquire_ProvisioningFailureRollsBack(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	// Corrupt the freshly created file so schema setup fails.
	prov.afterCreate = func(path string) {
		junk := make([]byte, 4096)
		for i := range junk {
			junk[i] = 'x'
		}
		_ = os.WriteFile(path, junk, 0644)
	}
	r := newTestRouterWith(t, prov, nil)

	_, err := r.Acquire(context.Background(), "t_broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.ProvisioningFailed)
	assert.Equal(t, int32(3), prov.creates.Load(), "one attempt plus two retries")
	assert.Equal(t, int32(3), prov.drops.Load(), "every failed attempt is rolled back")

	exists, err := prov.Exists(context.Background(), "t_broken")
	require.NoError(t, err)
	assert.False(t, exists, "no half-created database may remain")
	assert.Empty(t, r.Namespaces())
}

func TestAcquire_RetriesTransientFailure(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	prov.createErrs = []error{errors.New("disk full")}
	r := newTestRouterWith(t, prov, nil)

	h, err := r.Acquire(context.Background(), "t_flaky")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(2), prov.creates.Load())
}

func TestAcquire_CollisionIsNotRetried(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	prov.createErrs = []error{ErrDatabaseExists}
	prov.hideExisting = true
	r := newTestRouterWith(t, prov, nil)

	_, err := r.Acquire(context.Background(), "t_taken")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.ProvisioningFailed)
	assert.ErrorIs(t, err, ErrDatabaseExists)
	assert.Equal(t, int32(1), prov.creates.Load())
	assert.Equal(t, int32(0), prov.drops.Load(), "a colliding database belongs to someone else")
}

func TestAcquire_CallerTimeoutWhileProvisioning(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	unblock := make(chan struct{})
	prov.beforeCreate = func() { <-unblock }
	r := newTestRouterWith(t, prov, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, "t_slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.Timeout)

	// Provisioning continues detached; a later caller gets the result.
	close(unblock)
	h, err := r.Acquire(context.Background(), "t_slow")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), prov.creates.Load())
}

func TestAbandon_DropsDatabaseProvisionedPastDeadline(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	prov.beforeCreate = func() { time.Sleep(150 * time.Millisecond) }
	r := newTestRouterWith(t, prov, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, "t_gone")
	require.ErrorIs(t, err, flowerrors.Timeout)

	require.NoError(t, r.Abandon(context.Background(), "t_gone"))
	assert.Equal(t, int32(1), prov.creates.Load())
	assert.Equal(t, int32(1), prov.drops.Load(), "the late database must be dropped")
	_, statErr := os.Stat(prov.DSN("t_gone"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, r.Namespaces())

	// Nothing running and nothing on disk is a no-op.
	require.NoError(t, r.Abandon(context.Background(), "t_gone"))
	assert.Equal(t, int32(1), prov.drops.Load())
}

func TestAbandon_ConcurrentAcquireStillSucceeds(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := r.Acquire(ctx, "t_shared")
			return err
		})
	}
	require.NoError(t, r.Abandon(ctx, "t_shared"))
	require.NoError(t, g.Wait(), "acquirers joining the abandon barrier retry")
	_, err := r.Acquire(ctx, "t_shared")
	require.NoError(t, err)
}

func TestAcquire_WaitsForCrossProcessLock(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	lockDir := t.TempDir()
	r := newTestRouterWith(t, prov, func(o *Options) {
		o.Locker = lock.NewFileLocker(lockDir, lock.WithPollInterval(5*time.Millisecond))
	})

	// Another live process on this host holds the namespace.
	host, _ := os.Hostname()
	now := time.Now().UTC()
	held, err := yaml.Marshal(lock.Lock{Owner: "other@" + host, Host: host, PID: os.Getppid(), Acquired: now, Heartbeat: now, TTL: "1m"})
	require.NoError(t, err)
	lockPath := filepath.Join(lockDir, "t_shared.lock")
	require.NoError(t, os.WriteFile(lockPath, held, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "t_shared")
	assert.ErrorIs(t, err, flowerrors.Timeout)
	assert.Equal(t, int32(0), prov.creates.Load())

	require.NoError(t, os.Remove(lockPath))
	h, err := r.Acquire(context.Background(), "t_shared")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), prov.creates.Load())
	assert.Eventually(t, func() bool {
		_, err := os.Stat(lockPath)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond, "lock is dropped once provisioning ends")

	require.NoError(t, r.Release(context.Background(), "t_shared"))
	assert.NoFileExists(t, lockPath)
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "t_gone")
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, "t_gone"))
	require.NoError(t, r.Release(ctx, "t_gone"))

	assert.Equal(t, int32(1), prov.drops.Load(), "second release must not attempt a drop")
	exists, err := prov.Exists(ctx, "t_gone")
	require.NoError(t, err)
	assert.False(t, exists)
	_, ok := r.Stats("t_gone")
	assert.False(t, ok)
}

func TestRelease_NeverProvisioned(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)

	require.NoError(t, r.Release(context.Background(), "t_never"))
	assert.Equal(t, int32(0), prov.drops.Load())
}

func TestRelease_TerminatesSessionsAndRetriesOnce(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	prov.dropErrs = []error{ErrDatabaseInUse}
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "t_busy")
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, "t_busy"))

	assert.Equal(t, int32(1), prov.terminates.Load())
	assert.Equal(t, int32(2), prov.drops.Load())
}

func TestRelease_FatalWhenStillInUse(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	prov.dropErrs = []error{ErrDatabaseInUse, ErrDatabaseInUse, ErrDatabaseInUse}
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "t_stuck")
	require.NoError(t, err)

	err = r.Release(ctx, "t_stuck")
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.ProvisioningFailed)
	assert.Contains(t, err.Error(), "t_stuck")
	assert.Equal(t, int32(1), prov.terminates.Load(), "sessions are terminated exactly once")
	assert.Equal(t, int32(2), prov.drops.Load(), "drop is retried exactly once")

	exists, _ := prov.Exists(ctx, "t_stuck")
	assert.True(t, exists, "undropped database stays visible")
}

func TestRelease_WaitsForInFlight(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "t_drain")
	require.NoError(t, err)

	_, _, end, err := h.Begin(ctx)
	require.NoError(t, err)

	released := make(chan error, 1)
	go func() { released <- r.Release(ctx, "t_drain") }()

	select {
	case <-released:
		t.Fatal("release finished while an operation was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(0), prov.drops.Load())

	// New operations are refused while draining.
	err = h.Do(ctx, func(context.Context, *db.TenantDB) error { return nil })
	assert.ErrorIs(t, err, flowerrors.NotFound)

	end()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("release did not finish after quiescence")
	}
	assert.Equal(t, int32(1), prov.drops.Load())
}

func TestRelease_CancelsAfterDrainTimeout(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, func(o *Options) { o.DrainTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	h, err := r.Acquire(ctx, "t_hung")
	require.NoError(t, err)

	started := make(chan struct{})
	opErr := make(chan error, 1)
	go func() {
		opErr <- h.Do(ctx, func(ctx context.Context, _ *db.TenantDB) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	require.NoError(t, r.Release(ctx, "t_hung"))

	err = <-opErr
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.Timeout)
	assert.Equal(t, int32(1), prov.drops.Load())
}

func TestRelease_ThenAcquireReprovisions(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	h1, err := r.Acquire(ctx, "t_again")
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, "t_again"))

	h2, err := r.Acquire(ctx, "t_again")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, int32(2), prov.creates.Load())
}

func TestShrinkIdle(t *testing.T) {
	t.Parallel()
	r := NewTestRouter(t)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "t_idle")
	require.NoError(t, err)
	require.NoError(t, h.Do(ctx, func(ctx context.Context, tdb *db.TenantDB) error {
		_, err := tdb.ListStatuses(ctx)
		return err
	}))

	assert.Equal(t, 0, r.ShrinkIdle(time.Now()), "recently used handles are left alone")
	assert.Equal(t, 1, r.ShrinkIdle(time.Now().Add(2*time.Minute)))

	stats, ok := r.Stats("t_idle")
	require.True(t, ok)
	assert.True(t, stats.Shrunk)
	assert.Equal(t, 0, stats.Pool.Idle)

	// Handle stays cached and is restored on next use.
	h2, err := r.Acquire(ctx, "t_idle")
	require.NoError(t, err)
	assert.Same(t, h, h2)
	require.NoError(t, h.Do(ctx, func(context.Context, *db.TenantDB) error { return nil }))
	stats, _ = r.Stats("t_idle")
	assert.False(t, stats.Shrunk)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	r := NewTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_KeepsDatabases(t *testing.T) {
	t.Parallel()
	prov := newFakeProvisioner(t)
	r := newTestRouterWith(t, prov, nil)
	ctx := context.Background()

	for _, ns := range []string{"t_one", "t_two"} {
		_, err := r.Acquire(ctx, ns)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"t_one", "t_two"}, r.Namespaces())

	require.NoError(t, r.Close())
	assert.Empty(t, r.Namespaces())

	_, err := r.Acquire(ctx, "t_one")
	assert.ErrorIs(t, err, flowerrors.NotFound)

	for _, ns := range []string{"t_one", "t_two"} {
		exists, err := prov.Exists(ctx, ns)
		require.NoError(t, err)
		assert.True(t, exists)
	}
	assert.Equal(t, int32(0), prov.drops.Load())
}
