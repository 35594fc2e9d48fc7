package router

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// SQLiteProvisioner keeps one database file per namespace under a data
// directory.
type SQLiteProvisioner struct {
	dir string
}

// NewSQLiteProvisioner returns a provisioner rooted at dir.
func NewSQLiteProvisioner(dir string) *SQLiteProvisioner {
	return &SQLiteProvisioner{dir: dir}
}

func (p *SQLiteProvisioner) Dialect() driver.Dialect { return driver.DialectSQLite }

func (p *SQLiteProvisioner) DSN(namespace string) string {
	return filepath.Join(p.dir, namespace+".db")
}

func (p *SQLiteProvisioner) Exists(_ context.Context, namespace string) (bool, error) {
	_, err := os.Stat(p.DSN(namespace))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat tenant database: %w", err)
}

// Create makes an empty database file. O_EXCL turns a concurrent create by
// another process into ErrDatabaseExists.
func (p *SQLiteProvisioner) Create(_ context.Context, namespace string) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	f, err := os.OpenFile(p.DSN(namespace), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		return ErrDatabaseExists
	}
	if err != nil {
		return fmt.Errorf("create tenant database: %w", err)
	}
	return f.Close()
}

// Drop removes the database file and its WAL side files.
func (p *SQLiteProvisioner) Drop(_ context.Context, namespace string) error {
	base := p.DSN(namespace)
	var errs []error
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("drop tenant database: %w", errors.Join(errs...))
	}
	return nil
}

// TerminateSessions is a no-op: file databases have no server sessions and
// the router closes its own pool before dropping.
func (p *SQLiteProvisioner) TerminateSessions(context.Context, string) error {
	return nil
}
