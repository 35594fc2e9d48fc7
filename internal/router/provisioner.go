package router

import (
	"context"
	"errors"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// Sentinel errors returned by provisioners.
var (
	// ErrDatabaseExists means Create found a database already using the
	// namespace. The router never retries or rolls back on it.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrDatabaseInUse means Drop was refused because sessions are still
	// attached.
	ErrDatabaseInUse = errors.New("database is in use")
)

// Provisioner creates and destroys the physical database behind a namespace.
// Implementations hold no per-namespace state; the router serializes calls
// for the same namespace.
type Provisioner interface {
	// Dialect is the driver dialect used to open tenant databases.
	Dialect() driver.Dialect
	// DSN returns the connection string (or file path) for a namespace.
	DSN(namespace string) string
	// Exists reports whether a physical database backs the namespace.
	Exists(ctx context.Context, namespace string) (bool, error)
	// Create creates an empty database. Returns ErrDatabaseExists on collision.
	Create(ctx context.Context, namespace string) error
	// Drop removes the database. Returns ErrDatabaseInUse when sessions remain.
	Drop(ctx context.Context, namespace string) error
	// TerminateSessions forcibly disconnects every session on the database.
	TerminateSessions(ctx context.Context, namespace string) error
}
