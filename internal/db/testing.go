// Package db provides test utilities for database operations.
//
// Tests should use these helpers rather than opening databases directly:
// they use in-memory SQLite and register cleanup with t.Cleanup().
package db

import (
	"context"
	"testing"
)

// NewTestGlobalDB creates an in-memory global database for testing.
// The database is automatically closed when the test completes.
func NewTestGlobalDB(t testing.TB) *GlobalDB {
	t.Helper()

	gdb, err := OpenGlobalInMemory(context.Background())
	if err != nil {
		t.Fatalf("create test global db: %v", err)
	}

	t.Cleanup(func() {
		_ = gdb.Close()
	})

	return gdb
}

// NewTestTenantDB creates an in-memory tenant database seeded with the
// default ToDo / InProgress / Done workflow.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    tdb := db.NewTestTenantDB(t)
//	    // use tdb...
//	}
func NewTestTenantDB(t testing.TB) *TenantDB {
	t.Helper()

	tdb, err := OpenTenantInMemory(context.Background())
	if err != nil {
		t.Fatalf("create test tenant db: %v", err)
	}

	t.Cleanup(func() {
		_ = tdb.Close()
	})

	return tdb
}

// MustStatusID returns the ID of the named status or fails the test.
func MustStatusID(t testing.TB, tdb *TenantDB, name string) int64 {
	t.Helper()

	statuses, err := tdb.ListStatuses(context.Background())
	if err != nil {
		t.Fatalf("list statuses: %v", err)
	}
	for _, s := range statuses {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("status %q not found", name)
	return 0
}
