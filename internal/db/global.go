package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// Sentinel errors returned by GlobalDB. Callers translate them into
// structured errors with the identifiers they hold.
var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrNamespaceAssigned = errors.New("namespace already assigned")
	ErrNamespaceTaken    = errors.New("namespace used by another project")
)

// GlobalDB provides operations on the global registry database.
type GlobalDB struct {
	*DB
}

// OpenGlobal opens the global database at path using SQLite.
func OpenGlobal(ctx context.Context, path string) (*GlobalDB, error) {
	return OpenGlobalWithDialect(ctx, path, driver.DialectSQLite)
}

// OpenGlobalWithDialect opens the global database with a specific dialect.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenGlobalWithDialect(ctx context.Context, dsn string, dialect driver.Dialect) (*GlobalDB, error) {
	db, err := OpenWithDialect(ctx, dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, SchemaGlobal); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// OpenGlobalInMemory opens an in-memory global database.
func OpenGlobalInMemory(ctx context.Context) (*GlobalDB, error) {
	db, err := OpenInMemory(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, SchemaGlobal); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}
	return &GlobalDB{DB: db}, nil
}

// Project represents a registered project.
// Namespace is empty until the tenant database has been provisioned.
type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Namespace   string
	CreatedAt   time.Time
}

const projectColumns = "id, name, description, owner_id, namespace, created_at"

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var namespace sql.NullString
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &namespace, &createdAt); err != nil {
		return nil, err
	}
	p.Namespace = namespace.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// CreateProject inserts a project without a namespace.
func (g *GlobalDB) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := g.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, namespace, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)
	`, p.ID, p.Name, p.Description, p.OwnerID, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject retrieves a project by ID.
// Returns ErrProjectNotFound if no such project exists.
func (g *GlobalDB) GetProject(ctx context.Context, id string) (*Project, error) {
	row := g.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// GetProjectByNamespace retrieves the project owning a namespace.
func (g *GlobalDB) GetProjectByNamespace(ctx context.Context, namespace string) (*Project, error) {
	row := g.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE namespace = ?", namespace)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project by namespace %s: %w", namespace, err)
	}
	return p, nil
}

// ListProjects returns all registered projects, newest first.
func (g *GlobalDB) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := g.QueryContext(ctx, "SELECT "+projectColumns+" FROM projects ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

// AssignNamespace sets a project's namespace if it has none.
// Returns ErrProjectNotFound, ErrNamespaceAssigned (project already has
// one; the existing value is returned) or ErrNamespaceTaken.
func (g *GlobalDB) AssignNamespace(ctx context.Context, projectID, namespace string) (string, error) {
	var existing string
	err := g.runInTx(ctx, func(tx driver.Tx) error {
		var current sql.NullString
		err := tx.QueryRow(ctx, "SELECT namespace FROM projects WHERE id = ?", projectID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProjectNotFound
		}
		if err != nil {
			return fmt.Errorf("read namespace: %w", err)
		}
		if current.Valid && current.String != "" {
			existing = current.String
			return ErrNamespaceAssigned
		}

		var owner string
		err = tx.QueryRow(ctx, "SELECT id FROM projects WHERE namespace = ?", namespace).Scan(&owner)
		if err == nil {
			return ErrNamespaceTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check namespace owner: %w", err)
		}

		res, err := tx.Exec(ctx, "UPDATE projects SET namespace = ? WHERE id = ? AND namespace IS NULL", namespace, projectID)
		if err != nil {
			return fmt.Errorf("assign namespace: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost a race with a concurrent registration.
			_ = tx.QueryRow(ctx, "SELECT namespace FROM projects WHERE id = ?", projectID).Scan(&current)
			existing = current.String
			return ErrNamespaceAssigned
		}
		return nil
	})
	return existing, err
}

// DeleteProject removes a project and its namespace mapping.
// Deleting a missing project is not an error.
func (g *GlobalDB) DeleteProject(ctx context.Context, id string) (bool, error) {
	res, err := g.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete project %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (g *GlobalDB) runInTx(ctx context.Context, fn func(tx driver.Tx) error) error {
	tx, err := g.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
