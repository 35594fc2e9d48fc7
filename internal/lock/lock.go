// Package lock provides cross-process locks on tenant namespaces.
//
// A Router serializes provisioning and release of a namespace within one
// process. When several processes share a data directory (for example
// concurrent CLI invocations over SQLite tenants), FileLocker extends that
// guarantee across them. NoOpLocker is used where the database server
// already arbitrates, as with PostgreSQL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tenantflow/internal/util"
)

// DefaultTTL is how long a lock survives without a heartbeat.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultPollInterval is how often Acquire retries a held lock.
const DefaultPollInterval = 50 * time.Millisecond

// Lock is the content of a lock file.
type Lock struct {
	Owner     string    `yaml:"owner"` // user@host
	Host      string    `yaml:"host"`
	PID       int       `yaml:"pid"`
	Acquired  time.Time `yaml:"acquired"`
	Heartbeat time.Time `yaml:"heartbeat"`
	TTL       string    `yaml:"ttl"`
}

// TTLDuration parses the TTL string and returns a time.Duration.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale reports whether the holder has stopped heartbeating or, on this
// host, has exited.
func (l *Lock) IsStale(now time.Time, host string) bool {
	if now.Sub(l.Heartbeat) > l.TTLDuration() {
		return true
	}
	return l.Host == host && !processExists(l.PID)
}

// LockInfo describes a lock holder.
type LockInfo struct {
	Owner     string
	PID       int
	Acquired  time.Time
	Heartbeat time.Time
}

// Locker locks namespaces.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx ends.
	Acquire(ctx context.Context, key string) error
	// Release releases a lock held by this process.
	Release(key string) error
	// Heartbeat refreshes a lock held by this process.
	Heartbeat(key string) error
	// IsLocked reports whether a live lock exists for key.
	IsLocked(key string) (bool, *LockInfo, error)
}

// NoOpLocker grants every lock immediately.
type NoOpLocker struct{}

// NewNoOpLocker creates a new NoOpLocker.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) Acquire(context.Context, string) error { return nil }
func (l *NoOpLocker) Release(string) error                  { return nil }
func (l *NoOpLocker) Heartbeat(string) error                { return nil }

func (l *NoOpLocker) IsLocked(string) (bool, *LockInfo, error) {
	return false, nil, nil
}

// FileLocker keeps one <key>.lock file per held lock in a directory.
// Creation uses O_EXCL, so at most one process holds a key at a time.
// Ownership is per process: goroutines within it must serialize themselves.
type FileLocker struct {
	dir   string
	owner string
	host  string
	pid   int
	ttl   time.Duration
	poll  time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// FileLockerOption configures a FileLocker.
type FileLockerOption func(*FileLocker)

// WithTTL sets how long a lock lives without a heartbeat.
func WithTTL(ttl time.Duration) FileLockerOption {
	return func(l *FileLocker) { l.ttl = ttl }
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) FileLockerOption {
	return func(l *FileLocker) { l.poll = d }
}

// NewFileLocker creates a locker storing lock files under dir.
func NewFileLocker(dir string, opts ...FileLockerOption) *FileLocker {
	host, _ := os.Hostname()
	l := &FileLocker{
		dir:   dir,
		owner: DefaultOwner(),
		host:  host,
		pid:   os.Getpid(),
		ttl:   DefaultTTL,
		poll:  DefaultPollInterval,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultOwner returns user@host for the current process.
func DefaultOwner() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, _ := os.Hostname()
	return name + "@" + host
}

func (l *FileLocker) lockPath(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

func (l *FileLocker) readLock(key string) (*Lock, error) {
	data, err := os.ReadFile(l.lockPath(key))
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lock, nil
}

func (l *FileLocker) ours(lock *Lock) bool {
	return lock.Host == l.host && lock.PID == l.pid
}

func (l *FileLocker) newLock() *Lock {
	now := l.now().UTC()
	return &Lock{
		Owner:     l.owner,
		Host:      l.host,
		PID:       l.pid,
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
	}
}

// Acquire blocks until the lock for key is held. A stale lock is taken
// over; a lock already held by this process is refreshed.
func (l *FileLocker) Acquire(ctx context.Context, key string) error {
	var holder *Lock
	for {
		held, existing, err := l.tryAcquire(key)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
		holder = existing

		select {
		case <-ctx.Done():
			lerr := &LockError{Key: key, Reason: "lock is held", Err: ctx.Err()}
			if holder != nil {
				lerr.Owner = holder.Owner
				lerr.PID = holder.PID
			}
			return lerr
		case <-time.After(l.poll):
		}
	}
}

func (l *FileLocker) tryAcquire(key string) (bool, *Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return false, nil, fmt.Errorf("create lock directory: %w", err)
	}

	data, err := yaml.Marshal(l.newLock())
	if err != nil {
		return false, nil, fmt.Errorf("marshal lock: %w", err)
	}

	path := l.lockPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return false, nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
		}
		return true, nil, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, nil, fmt.Errorf("create lock file: %w", err)
	}

	existing, err := l.readLock(key)
	if errors.Is(err, fs.ErrNotExist) {
		// Released between our create and read.
		return false, nil, nil
	}
	if err != nil {
		// Possibly mid-write by its creator; treat as held unless old.
		if info, serr := os.Stat(path); serr == nil && l.now().Sub(info.ModTime()) > l.ttl {
			_ = os.Remove(path)
		}
		return false, nil, nil
	}

	switch {
	case l.ours(existing):
		existing.Heartbeat = l.now().UTC()
		if err := l.writeLock(key, existing); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	case existing.IsStale(l.now(), l.host):
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, nil, fmt.Errorf("remove stale lock: %w", err)
		}
		return false, existing, nil
	default:
		return false, existing, nil
	}
}

// writeLock replaces a lock file atomically.
func (l *FileLocker) writeLock(key string, lock *Lock) error {
	path := l.lockPath(key)
	data, err := yaml.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Release removes the lock file if this process holds it.
func (l *FileLocker) Release(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !l.ours(existing) {
		return &LockError{Key: key, Owner: existing.Owner, PID: existing.PID, Reason: "cannot release lock owned by another process"}
	}

	if err := os.Remove(l.lockPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock's heartbeat timestamp.
func (l *FileLocker) Heartbeat(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(key)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock not found for %s", key)
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !l.ours(existing) {
		return &LockError{Key: key, Owner: existing.Owner, PID: existing.PID, Reason: "cannot heartbeat lock owned by another process"}
	}

	existing.Heartbeat = l.now().UTC()
	return l.writeLock(key, existing)
}

// IsLocked reports whether a live lock exists for key.
func (l *FileLocker) IsLocked(key string) (bool, *LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.readLock(key)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read lock: %w", err)
	}
	if lock.IsStale(l.now(), l.host) {
		return false, nil, nil
	}
	return true, &LockInfo{
		Owner:     lock.Owner,
		PID:       lock.PID,
		Acquired:  lock.Acquired,
		Heartbeat: lock.Heartbeat,
	}, nil
}

// LockError reports a lock that could not be acquired or released.
type LockError struct {
	Key    string
	Owner  string
	PID    int
	Reason string
	Err    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("namespace %s: %s", e.Key, e.Reason)
	if e.Owner != "" {
		msg += fmt.Sprintf(" (owner: %s, pid %d)", e.Owner, e.PID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Err }

// HeartbeatRunner refreshes a held lock until stopped.
type HeartbeatRunner struct {
	locker   Locker
	key      string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatRunner creates a new heartbeat runner.
func NewHeartbeatRunner(locker Locker, key string, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		locker:   locker,
		key:      key,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a goroutine.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				// A failing heartbeat lets the lock go stale.
				_ = h.locker.Heartbeat(h.key)
			}
		}
	}()
}

// Stop stops the heartbeat loop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
