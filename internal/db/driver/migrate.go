package driver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// migrationSet describes where a dialect keeps its schema files and how it
// records applied versions.
type migrationSet struct {
	dir         string // directory inside the SchemaFS
	createTable string
	record      string // INSERT with a single version parameter
}

// runMigrations applies pending {schemaType}_NNN.sql files in version order.
// Each file runs in its own transaction together with its version record, so
// a failed migration leaves no partial schema behind.
func runMigrations(ctx context.Context, db *sql.DB, schemaFS SchemaFS, schemaType string, set migrationSet) error {
	if _, err := db.ExecContext(ctx, set.createTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM _migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}
	_ = rows.Close()

	entries, err := schemaFS.ReadDir(set.dir)
	if err != nil {
		return fmt.Errorf("read schema dir %s: %w", set.dir, err)
	}

	var migrations []string
	prefix := schemaType + "_"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".sql") {
			migrations = append(migrations, e.Name())
		}
	}
	if len(migrations) == 0 {
		return fmt.Errorf("no %s migrations found in %s", schemaType, set.dir)
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version := extractVersion(name, prefix)
		if applied[version] {
			continue
		}

		content, err := schemaFS.ReadFile(set.dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, set.record, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}
