package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// NamespacePlaceholder is replaced with the namespace in a DSN template,
// e.g. "postgres://app@db:5432/{namespace}?sslmode=disable".
const NamespacePlaceholder = "{namespace}"

// PostgresProvisioner creates one PostgreSQL database per namespace through
// an administrative connection.
type PostgresProvisioner struct {
	admin       *sql.DB
	dsnTemplate string
}

// NewPostgresProvisioner connects to the admin database (typically
// "postgres") with a role allowed to CREATE DATABASE.
func NewPostgresProvisioner(ctx context.Context, adminDSN, dsnTemplate string) (*PostgresProvisioner, error) {
	if !strings.Contains(dsnTemplate, NamespacePlaceholder) {
		return nil, fmt.Errorf("dsn template %q must contain %s", dsnTemplate, NamespacePlaceholder)
	}

	admin, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return nil, fmt.Errorf("open admin connection: %w", err)
	}
	admin.SetMaxOpenConns(4)
	if err := admin.PingContext(ctx); err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("ping admin connection: %w", err)
	}

	return &PostgresProvisioner{admin: admin, dsnTemplate: dsnTemplate}, nil
}

// Close closes the admin connection.
func (p *PostgresProvisioner) Close() error {
	return p.admin.Close()
}

func (p *PostgresProvisioner) Dialect() driver.Dialect { return driver.DialectPostgres }

func (p *PostgresProvisioner) DSN(namespace string) string {
	return strings.ReplaceAll(p.dsnTemplate, NamespacePlaceholder, namespace)
}

func (p *PostgresProvisioner) Exists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := p.admin.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", namespace,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", namespace, err)
	}
	return exists, nil
}

// Create issues CREATE DATABASE. DDL cannot take bind parameters, so the
// name is quoted as an identifier; namespaces are validated before reaching
// here.
func (p *PostgresProvisioner) Create(ctx context.Context, namespace string) error {
	_, err := p.admin.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{namespace}.Sanitize())
	if driver.PgCode(err) == driver.PgDuplicateDatabase {
		return ErrDatabaseExists
	}
	if err != nil {
		return fmt.Errorf("create database %s: %w", namespace, err)
	}
	return nil
}

func (p *PostgresProvisioner) Drop(ctx context.Context, namespace string) error {
	_, err := p.admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{namespace}.Sanitize())
	if driver.PgCode(err) == driver.PgObjectInUse {
		return fmt.Errorf("drop database %s: %w: %v", namespace, ErrDatabaseInUse, err)
	}
	if err != nil {
		return fmt.Errorf("drop database %s: %w", namespace, err)
	}
	return nil
}

func (p *PostgresProvisioner) TerminateSessions(ctx context.Context, namespace string) error {
	_, err := p.admin.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`, namespace)
	if err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", namespace, err)
	}
	return nil
}
