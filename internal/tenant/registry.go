// Package tenant maps projects to the namespaces of their tenant databases.
package tenant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

// namespaceSpace seeds the name-based UUIDs namespaces are derived from.
var namespaceSpace = uuid.MustParse("6f1c9a52-3e0b-5d47-9b8e-2a4c7d1e0f93")

// NewNamespace derives the namespace for a project. The same project ID
// always yields the same namespace, which is a valid database name.
func NewNamespace(projectID string) string {
	id := uuid.NewSHA1(namespaceSpace, []byte(projectID))
	return "t_" + strings.ReplaceAll(id.String(), "-", "")[:16]
}

// Project is a registered project.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Namespace   string    `json:"namespace,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewProject holds the fields supplied when creating a project. An empty ID
// is replaced with a random UUID.
type NewProject struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
}

// Registry is the single source of truth for which namespace backs a project.
type Registry struct {
	gdb    *db.GlobalDB
	logger *slog.Logger
}

// NewRegistry creates a registry over the global database.
func NewRegistry(gdb *db.GlobalDB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{gdb: gdb, logger: logger.With("component", "registry")}
}

// CreateProject inserts a project row with no namespace yet.
func (r *Registry) CreateProject(ctx context.Context, np NewProject) (*Project, error) {
	if strings.TrimSpace(np.Name) == "" {
		return nil, flowerrors.ErrInvalidState("", "project name is required", "Projects are identified to users by name")
	}
	if np.ID == "" {
		np.ID = uuid.NewString()
	}

	if _, err := r.gdb.GetProject(ctx, np.ID); err == nil {
		return nil, &flowerrors.Error{
			Code: flowerrors.CodeConflict,
			What: "project " + np.ID + " already exists",
		}
	} else if !errors.Is(err, db.ErrProjectNotFound) {
		return nil, flowerrors.FromContext(err, "create project", "")
	}

	row := &db.Project{
		ID:          np.ID,
		Name:        np.Name,
		Description: np.Description,
		OwnerID:     np.OwnerID,
	}
	if err := r.gdb.CreateProject(ctx, row); err != nil {
		return nil, flowerrors.FromContext(err, "create project", "")
	}
	r.logger.InfoContext(ctx, "project created", "project_id", row.ID, "owner_id", row.OwnerID)
	return fromRow(row), nil
}

// GetProject returns a project by ID.
func (r *Registry) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row, err := r.gdb.GetProject(ctx, projectID)
	if errors.Is(err, db.ErrProjectNotFound) {
		return nil, flowerrors.ErrProjectNotFound(projectID)
	}
	if err != nil {
		return nil, flowerrors.FromContext(err, "get project", "")
	}
	return fromRow(row), nil
}

// ListProjects returns all projects, newest first.
func (r *Registry) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.gdb.ListProjects(ctx)
	if err != nil {
		return nil, flowerrors.FromContext(err, "list projects", "")
	}
	out := make([]Project, len(rows))
	for i := range rows {
		out[i] = *fromRow(&rows[i])
	}
	return out, nil
}

// ResolveNamespace returns the namespace backing a project. A project that
// is absent, or still provisioning and so has no namespace, is NotFound.
func (r *Registry) ResolveNamespace(ctx context.Context, projectID string) (string, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if p.Namespace == "" {
		return "", flowerrors.ErrNamespaceNotRegistered(projectID)
	}
	return p.Namespace, nil
}

// RegisterNamespace records the project's namespace. It succeeds once per
// project; later calls fail with Conflict.
func (r *Registry) RegisterNamespace(ctx context.Context, projectID, namespace string) error {
	if err := db.ValidateNamespace(namespace); err != nil {
		return flowerrors.ErrInvalidState(namespace, "cannot register namespace for project "+projectID, err.Error())
	}

	existing, err := r.gdb.AssignNamespace(ctx, projectID, namespace)
	switch {
	case err == nil:
		r.logger.InfoContext(ctx, "namespace registered", "project_id", projectID, "namespace", namespace)
		return nil
	case errors.Is(err, db.ErrProjectNotFound):
		return flowerrors.ErrProjectNotFound(projectID)
	case errors.Is(err, db.ErrNamespaceAssigned):
		return flowerrors.ErrNamespaceConflict(projectID, existing)
	case errors.Is(err, db.ErrNamespaceTaken):
		return flowerrors.ErrNamespaceTaken(projectID, namespace)
	default:
		return flowerrors.FromContext(err, "register namespace", namespace)
	}
}

// Release removes the project and its namespace mapping. Releasing a
// project that is already gone succeeds.
func (r *Registry) Release(ctx context.Context, projectID string) error {
	deleted, err := r.gdb.DeleteProject(ctx, projectID)
	if err != nil {
		return flowerrors.FromContext(err, "release project", "")
	}
	if deleted {
		r.logger.InfoContext(ctx, "project released", "project_id", projectID)
	} else {
		r.logger.DebugContext(ctx, "project already released", "project_id", projectID)
	}
	return nil
}

func fromRow(p *db.Project) *Project {
	return &Project{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		Namespace:   p.Namespace,
		CreatedAt:   p.CreatedAt,
	}
}
