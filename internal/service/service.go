// Package service exposes tenantflow's operations keyed by project ID.
//
// Each call resolves the project's namespace through the registry, then runs
// the workflow engine or sprint aggregator against the router's handle for
// that namespace. Project creation and deletion drive the router's
// provisioning and release.
package service

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/events"
	"github.com/randalmurphal/tenantflow/internal/logger"
	"github.com/randalmurphal/tenantflow/internal/router"
	"github.com/randalmurphal/tenantflow/internal/sprint"
	"github.com/randalmurphal/tenantflow/internal/tenant"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

// Service is the entry point collaborators call. It holds no per-request
// state and is safe for concurrent use.
type Service struct {
	registry  *tenant.Registry
	router    *router.Router
	engine    *workflow.Engine
	sprints   *sprint.Aggregator
	publisher events.Publisher
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	policy    workflow.Policy
	publisher events.Publisher
	logger    *slog.Logger
}

// WithPolicy sets the transition policy. The default is workflow.DefaultPolicy.
func WithPolicy(p workflow.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithPublisher sets where lifecycle and transition events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a service over a registry and a router.
func New(registry *tenant.Registry, rt *router.Router, opts ...Option) *Service {
	o := options{
		policy:    workflow.DefaultPolicy(),
		publisher: events.NewNopPublisher(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		registry:  registry,
		router:    rt,
		engine:    workflow.NewEngine(rt, o.policy, o.logger),
		sprints:   sprint.NewAggregator(rt, o.logger),
		publisher: o.publisher,
		logger:    o.logger.With("component", "service"),
	}
}

// Engine returns the workflow engine the service routes through.
func (s *Service) Engine() *workflow.Engine { return s.engine }

// resolve maps a project to its namespace and tags ctx for logging.
func (s *Service) resolve(ctx context.Context, projectID string) (context.Context, string, error) {
	ns, err := s.registry.ResolveNamespace(ctx, projectID)
	if err != nil {
		return ctx, "", err
	}
	return logger.WithFields(ctx, logger.Fields{ProjectID: projectID, Namespace: ns}), ns, nil
}

func (s *Service) publish(t events.EventType, projectID, namespace string, data any) {
	s.publisher.Publish(events.NewEvent(t, projectID, namespace, data))
}

// --- Projects ---

// CreateProject inserts a project and provisions its tenant database. If
// provisioning fails the project row is removed again, so no project is
// left pointing at a missing database. When the partial database could not
// be dropped the row is kept with no namespace, so DeleteProject can finish
// the cleanup later.
func (s *Service) CreateProject(ctx context.Context, np tenant.NewProject) (*tenant.Project, error) {
	p, err := s.registry.CreateProject(ctx, np)
	if err != nil {
		return nil, err
	}

	ns, cleaned, err := s.provision(ctx, p.ID)
	if err != nil {
		if !cleaned {
			s.logger.WarnContext(ctx, "project kept for cleanup after failed provisioning",
				"project_id", p.ID)
			return nil, err
		}
		if relErr := s.registry.Release(context.WithoutCancel(ctx), p.ID); relErr != nil {
			s.logger.ErrorContext(ctx, "remove project after failed provisioning",
				"project_id", p.ID, "error", relErr)
		}
		return nil, err
	}
	p.Namespace = ns
	return p, nil
}

// OnProjectCreated provisions the tenant database for an existing project
// and registers its namespace. The namespace is registered only after the
// database is ready, so ResolveNamespace reports NotFound while
// provisioning is in progress.
func (s *Service) OnProjectCreated(ctx context.Context, projectID string) (string, error) {
	ns, _, err := s.provision(ctx, projectID)
	return ns, err
}

// provision reports, on failure, whether the project is known to have no
// database left behind.
func (s *Service) provision(ctx context.Context, projectID string) (ns string, cleaned bool, err error) {
	ns = tenant.NewNamespace(projectID)
	ctx = logger.WithFields(ctx, logger.Fields{ProjectID: projectID, Namespace: ns})

	p, err := s.registry.GetProject(ctx, projectID)
	if err != nil {
		return "", true, err
	}
	if p.Namespace != "" {
		return "", true, flowerrors.ErrNamespaceConflict(projectID, p.Namespace)
	}

	if _, err := s.router.Acquire(ctx, ns); err != nil {
		s.logger.ErrorContext(ctx, "provision project database", "error", err)
		s.publish(events.EventProvisioningFailed, projectID, ns, events.ErrorData{
			Code:    string(flowerrors.CodeOf(err)),
			Message: err.Error(),
		})
		// Provisioning continues past the caller's deadline; wait for it
		// and drop whatever it created.
		if abErr := s.router.Abandon(context.WithoutCancel(ctx), ns); abErr != nil {
			s.logger.ErrorContext(ctx, "drop database after failed provisioning", "error", abErr)
			return "", false, err
		}
		return "", true, err
	}

	if err := s.registry.RegisterNamespace(ctx, projectID, ns); err != nil {
		// Nothing may reach the database without a registration.
		if relErr := s.router.Release(context.WithoutCancel(ctx), ns); relErr != nil {
			s.logger.ErrorContext(ctx, "drop database after failed registration", "error", relErr)
			return "", false, err
		}
		return "", true, err
	}

	s.logger.InfoContext(ctx, "project provisioned")
	s.publish(events.EventProjectCreated, projectID, ns, nil)
	return ns, false, nil
}

// OnProjectDeleted releases the project's database and then its registry
// entry. Deleting a project that is already gone succeeds, and a call that
// failed between the two steps can be retried.
func (s *Service) OnProjectDeleted(ctx context.Context, projectID string) error {
	p, err := s.registry.GetProject(ctx, projectID)
	if flowerrors.CodeOf(err) == flowerrors.CodeNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	ctx = logger.WithFields(ctx, logger.Fields{ProjectID: projectID, Namespace: p.Namespace})
	// A project with no namespace may still have a database from a creation
	// that failed after provisioning.
	ns := p.Namespace
	release := s.router.Release
	if ns == "" {
		ns = tenant.NewNamespace(projectID)
		// Provisioning may still be running for it.
		release = s.router.Abandon
	}
	if err := release(ctx, ns); err != nil {
		return err
	}
	if err := s.registry.Release(ctx, projectID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "project deleted")
	s.publish(events.EventProjectDeleted, projectID, ns, nil)
	return nil
}

// DeleteProject is OnProjectDeleted.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	return s.OnProjectDeleted(ctx, projectID)
}

// GetProject returns a project.
func (s *Service) GetProject(ctx context.Context, projectID string) (*tenant.Project, error) {
	return s.registry.GetProject(ctx, projectID)
}

// ListProjects returns every project, newest first.
func (s *Service) ListProjects(ctx context.Context) ([]tenant.Project, error) {
	return s.registry.ListProjects(ctx)
}

// --- Workflow ---

// Workflow returns the project's current workflow graph.
func (s *Service) Workflow(ctx context.Context, projectID string) (*workflow.Graph, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.engine.Graph(ctx, ns)
}

// ValidateTransition reports whether a move between two statuses is
// allowed in the project's workflow.
func (s *Service) ValidateTransition(ctx context.Context, projectID string, from *int64, to int64) (bool, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return false, err
	}
	return s.engine.ValidateTransition(ctx, ns, from, to)
}

// --- Tasks ---

// CreateTask creates a task in the project.
func (s *Service) CreateTask(ctx context.Context, projectID string, nt workflow.NewTask) (*db.Task, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	t, err := s.engine.CreateTask(ctx, ns, nt)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventTaskCreated, projectID, ns, events.TaskData{TaskID: t.ID, Title: t.Title})
	return t, nil
}

// GetTask returns a task.
func (s *Service) GetTask(ctx context.Context, projectID string, taskID int64) (*db.Task, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.engine.GetTask(ctx, ns, taskID)
}

// TaskHistory returns a task's status changes, oldest first.
func (s *Service) TaskHistory(ctx context.Context, projectID string, taskID int64) ([]db.HistoryEntry, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.engine.History(ctx, ns, taskID)
}

// ChangeTaskStatus moves a task to a new status on behalf of actorID.
func (s *Service) ChangeTaskStatus(ctx context.Context, projectID string, taskID, newStatusID int64, actorID string) (*workflow.TransitionResult, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithFields(ctx, logger.Fields{TaskID: logger.Ptr(taskID), ActorID: actorID})

	res, err := s.engine.ApplyTransition(ctx, ns, taskID, newStatusID, actorID)
	if err != nil {
		return nil, err
	}

	data := events.TransitionData{TaskID: taskID, ToStatus: res.Status.Name, ActorID: actorID}
	if res.From != nil {
		data.FromStatus = res.From.Name
	}
	s.publish(events.EventTransitionApplied, projectID, ns, data)
	return res, nil
}

// ArchiveTask archives a task. Archived tasks accept no further transitions.
func (s *Service) ArchiveTask(ctx context.Context, projectID string, taskID int64) (*db.Task, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithFields(ctx, logger.Fields{TaskID: logger.Ptr(taskID)})

	t, err := s.engine.Archive(ctx, ns, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventTaskArchived, projectID, ns, events.TaskData{TaskID: t.ID, Title: t.Title})
	return t, nil
}

// --- Sprints ---

// CreateSprint creates a planned sprint.
func (s *Service) CreateSprint(ctx context.Context, projectID string, in sprint.NewSprint) (*db.Sprint, error) {
	ctx, namespace, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sp, err := s.sprints.CreateSprint(ctx, namespace, in)
	if err != nil {
		return nil, err
	}
	s.publishSprint(projectID, namespace, sp)
	return sp, nil
}

// StartSprint moves a planned sprint to active.
func (s *Service) StartSprint(ctx context.Context, projectID string, sprintID int64) (*db.Sprint, error) {
	return s.advanceSprint(ctx, projectID, sprintID, s.sprints.StartSprint)
}

// CompleteSprint moves an active sprint to completed.
func (s *Service) CompleteSprint(ctx context.Context, projectID string, sprintID int64) (*db.Sprint, error) {
	return s.advanceSprint(ctx, projectID, sprintID, s.sprints.CompleteSprint)
}

func (s *Service) advanceSprint(
	ctx context.Context,
	projectID string,
	sprintID int64,
	step func(context.Context, string, int64) (*db.Sprint, error),
) (*db.Sprint, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithFields(ctx, logger.Fields{SprintID: logger.Ptr(sprintID)})

	sp, err := step(ctx, ns, sprintID)
	if err != nil {
		return nil, err
	}
	s.publishSprint(projectID, ns, sp)
	return sp, nil
}

func (s *Service) publishSprint(projectID, ns string, sp *db.Sprint) {
	s.publish(events.EventSprintUpdated, projectID, ns, events.SprintData{SprintID: sp.ID, State: string(sp.State)})
}

// GetSprintStatistics counts a sprint's non-archived tasks by status category.
func (s *Service) GetSprintStatistics(ctx context.Context, projectID string, sprintID int64) (*sprint.Statistics, error) {
	ctx, ns, err := s.resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.sprints.ComputeStatistics(ctx, ns, sprintID)
}
