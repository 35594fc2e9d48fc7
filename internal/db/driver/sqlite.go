package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqlitePragmas are applied to every pooled connection through the DSN so
// they hold regardless of which connection serves a query.
var sqlitePragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
}

// SQLiteDriver implements the Driver interface for SQLite.
type SQLiteDriver struct {
	db     *sql.DB
	memory bool
}

// NewSQLite creates a new SQLite driver.
func NewSQLite() *SQLiteDriver {
	return &SQLiteDriver{}
}

// Open opens a SQLite database at the given path.
func (d *SQLiteDriver) Open(ctx context.Context, dsn string) error {
	d.memory = dsn == ":memory:"

	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	// Each connection to :memory: is a distinct database.
	if d.memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	d.db = db
	return nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	var b strings.Builder
	if path == ":memory:" {
		b.WriteString("file::memory:")
	} else {
		b.WriteString("file:")
		b.WriteString(path)
	}
	for i, p := range sqlitePragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Close closes the database connection.
func (d *SQLiteDriver) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Configure applies pool bounds. In-memory databases stay on one connection
// that is never recycled, since closing it discards the database.
func (d *SQLiteDriver) Configure(cfg PoolConfig) {
	if d.memory {
		cfg = PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
	}
	applyPool(d.db, cfg)
}

// SetMaxIdleConns adjusts how many idle connections the pool retains.
// Ignored for in-memory databases.
func (d *SQLiteDriver) SetMaxIdleConns(n int) {
	if d.memory {
		return
	}
	d.db.SetMaxIdleConns(n)
}

// Stats returns pool statistics.
func (d *SQLiteDriver) Stats() sql.DBStats {
	return d.db.Stats()
}

// Exec executes a query without returning rows.
func (d *SQLiteDriver) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (d *SQLiteDriver) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (d *SQLiteDriver) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (d *SQLiteDriver) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, rebind: identity}, nil
}

// Migrate runs all migrations for the given schema type.
func (d *SQLiteDriver) Migrate(ctx context.Context, schemaFS SchemaFS, schemaType string) error {
	return runMigrations(ctx, d.db, schemaFS, schemaType, migrationSet{
		dir: "schema/sqlite",
		createTable: `
			CREATE TABLE IF NOT EXISTS _migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT DEFAULT (datetime('now'))
			)`,
		record: "INSERT INTO _migrations (version) VALUES (?)",
	})
}

// Dialect returns the SQLite dialect identifier.
func (d *SQLiteDriver) Dialect() Dialect {
	return DialectSQLite
}

// Placeholder returns the SQLite placeholder (always ?).
func (d *SQLiteDriver) Placeholder(index int) string {
	return "?"
}

// IsBusy reports SQLITE_BUSY and SQLITE_LOCKED, including extended codes
// such as SQLITE_BUSY_SNAPSHOT raised when a stale read tries to write.
func (d *SQLiteDriver) IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// DB returns the underlying sql.DB for advanced operations.
func (d *SQLiteDriver) DB() *sql.DB {
	return d.db
}
