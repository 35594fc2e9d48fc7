// Package workflow validates and applies task status transitions against a
// tenant's stored workflow graph.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/router"
)

// Engine is a stateless validator: every call reads the graph fresh from
// the tenant database. All task mutations go through it.
type Engine struct {
	handles router.Source
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time

	// beforeWrite runs between the validating read and the write. Tests use
	// it to interleave concurrent transitions.
	beforeWrite func(ctx context.Context, taskID int64)
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(handles router.Source, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		handles: handles,
		policy:  policy,
		logger:  logger.With("component", "workflow"),
		now:     time.Now,
	}
}

// Policy returns the engine's transition policy.
func (e *Engine) Policy() Policy { return e.policy }

// TransitionResult is the outcome of ApplyTransition.
type TransitionResult struct {
	Task   db.Task `json:"task"`
	Status Status  `json:"status"`
	// From is the status the task left; nil when it was unset.
	From *Status `json:"from,omitempty"`
}

// NewTask holds the fields for CreateTask.
type NewTask struct {
	Title       string
	Description string
	StatusID    *int64
	SprintID    *int64
	AssigneeID  string
	ActorID     string
}

// Graph reads the tenant's current workflow graph.
func (e *Engine) Graph(ctx context.Context, namespace string) (*Graph, error) {
	var g *Graph
	err := e.do(ctx, namespace, "load workflow", func(ctx context.Context, tdb *db.TenantDB) error {
		var err error
		g, err = e.loadGraph(ctx, namespace, tdb.Queries)
		return err
	})
	return g, err
}

// ValidateTransition reports whether a task may move from one status to
// another. A disallowed move returns false with an InvalidTransition error;
// an unknown target returns NotFound.
func (e *Engine) ValidateTransition(ctx context.Context, namespace string, from *int64, to int64) (bool, error) {
	g, err := e.Graph(ctx, namespace)
	if err != nil {
		return false, err
	}
	if err := g.Check(from, to); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyTransition moves a task to a new status. The read, validation and
// write happen in one transaction, and the write is a compare-and-swap on
// the task version: if another transition committed first, the call fails
// with a retryable TransitionConflict and changes nothing.
func (e *Engine) ApplyTransition(ctx context.Context, namespace string, taskID, toStatusID int64, actorID string) (*TransitionResult, error) {
	var result *TransitionResult
	err := e.do(ctx, namespace, "apply transition", func(ctx context.Context, tdb *db.TenantDB) error {
		err := tdb.RunInTx(ctx, nil, func(tx *db.TenantTx) error {
			task, err := loadTask(ctx, namespace, tx.Queries, taskID)
			if err != nil {
				return err
			}
			if task.Archived {
				return flowerrors.ErrTaskArchived(namespace, taskID)
			}

			g, err := e.loadGraph(ctx, namespace, tx.Queries)
			if err != nil {
				return err
			}
			if err := g.Check(task.StatusID, toStatusID); err != nil {
				return err
			}

			if e.beforeWrite != nil {
				e.beforeWrite(ctx, taskID)
			}

			now := e.now()
			ok, err := tx.UpdateTaskStatus(ctx, taskID, task.Version, toStatusID, actorID, now)
			if err != nil {
				return err
			}
			if !ok {
				return flowerrors.ErrTransitionConflict(namespace, taskID)
			}

			same := task.StatusID != nil && *task.StatusID == toStatusID
			if !same {
				if err := tx.AppendHistory(ctx, &db.HistoryEntry{
					TaskID:       taskID,
					FromStatusID: task.StatusID,
					ToStatusID:   toStatusID,
					ActorID:      actorID,
					CreatedAt:    now,
				}); err != nil {
					return err
				}
			}

			target, _ := g.Status(toStatusID)
			result = &TransitionResult{Status: target}
			if task.StatusID != nil {
				if prev, ok := g.Status(*task.StatusID); ok {
					result.From = &prev
				}
			}
			task.StatusID = &toStatusID
			task.Version++
			task.UpdatedAt = now
			task.UpdatedBy = actorID
			result.Task = *task
			return nil
		})
		if err != nil && flowerrors.AsError(err) == nil && tdb.IsBusy(err) {
			return flowerrors.ErrTransitionConflict(namespace, taskID).WithCause(err)
		}
		return err
	})
	if err != nil {
		e.logger.DebugContext(ctx, "transition rejected",
			"namespace", namespace,
			"task_id", taskID,
			"to_status_id", toStatusID,
			"error", err,
		)
		return nil, err
	}

	e.logger.InfoContext(ctx, "transition applied",
		"namespace", namespace,
		"task_id", taskID,
		"to", result.Status.Name,
		"actor_id", actorID,
	)
	return result, nil
}

// Archive sets a task's archival flag. The status is left as is and the
// task accepts no further transitions. Archiving is terminal.
func (e *Engine) Archive(ctx context.Context, namespace string, taskID int64) (*db.Task, error) {
	var out *db.Task
	err := e.do(ctx, namespace, "archive task", func(ctx context.Context, tdb *db.TenantDB) error {
		err := tdb.RunInTx(ctx, nil, func(tx *db.TenantTx) error {
			task, err := loadTask(ctx, namespace, tx.Queries, taskID)
			if err != nil {
				return err
			}
			if task.Archived {
				return flowerrors.ErrTaskArchived(namespace, taskID)
			}

			if e.beforeWrite != nil {
				e.beforeWrite(ctx, taskID)
			}

			now := e.now()
			ok, err := tx.ArchiveTask(ctx, taskID, task.Version, now)
			if err != nil {
				return err
			}
			if !ok {
				return flowerrors.ErrTransitionConflict(namespace, taskID)
			}
			task.Archived = true
			task.Version++
			task.UpdatedAt = now
			out = task
			return nil
		})
		if err != nil && flowerrors.AsError(err) == nil && tdb.IsBusy(err) {
			return flowerrors.ErrTransitionConflict(namespace, taskID).WithCause(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "task archived", "namespace", namespace, "task_id", taskID)
	return out, nil
}

// CreateTask inserts a task. An initial status is validated as a move from
// unset, so the same policy governs creation and first assignment.
func (e *Engine) CreateTask(ctx context.Context, namespace string, nt NewTask) (*db.Task, error) {
	if strings.TrimSpace(nt.Title) == "" {
		return nil, flowerrors.ErrInvalidState(namespace, "task title is required", "Tasks must have a title")
	}

	var out *db.Task
	err := e.do(ctx, namespace, "create task", func(ctx context.Context, tdb *db.TenantDB) error {
		return tdb.RunInTx(ctx, nil, func(tx *db.TenantTx) error {
			if nt.StatusID != nil {
				g, err := e.loadGraph(ctx, namespace, tx.Queries)
				if err != nil {
					return err
				}
				if err := g.Check(nil, *nt.StatusID); err != nil {
					return err
				}
			}
			if nt.SprintID != nil {
				if _, err := tx.GetSprint(ctx, *nt.SprintID); errors.Is(err, db.ErrNotFound) {
					return flowerrors.ErrSprintNotFound(namespace, *nt.SprintID)
				} else if err != nil {
					return err
				}
			}

			task := &db.Task{
				Title:       nt.Title,
				Description: nt.Description,
				StatusID:    nt.StatusID,
				SprintID:    nt.SprintID,
				AssigneeID:  nt.AssigneeID,
				CreatedAt:   e.now(),
				UpdatedBy:   nt.ActorID,
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
			if task.StatusID != nil {
				if err := tx.AppendHistory(ctx, &db.HistoryEntry{
					TaskID:     task.ID,
					ToStatusID: *task.StatusID,
					ActorID:    nt.ActorID,
					CreatedAt:  task.CreatedAt,
				}); err != nil {
					return err
				}
			}
			out = task
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "task created", "namespace", namespace, "task_id", out.ID)
	return out, nil
}

// GetTask reads a task.
func (e *Engine) GetTask(ctx context.Context, namespace string, taskID int64) (*db.Task, error) {
	var out *db.Task
	err := e.do(ctx, namespace, "get task", func(ctx context.Context, tdb *db.TenantDB) error {
		var err error
		out, err = loadTask(ctx, namespace, tdb.Queries, taskID)
		return err
	})
	return out, err
}

// History returns a task's applied status changes, oldest first.
func (e *Engine) History(ctx context.Context, namespace string, taskID int64) ([]db.HistoryEntry, error) {
	var out []db.HistoryEntry
	err := e.do(ctx, namespace, "task history", func(ctx context.Context, tdb *db.TenantDB) error {
		if _, err := loadTask(ctx, namespace, tdb.Queries, taskID); err != nil {
			return err
		}
		var err error
		out, err = tdb.ListHistory(ctx, taskID)
		return err
	})
	return out, err
}

func (e *Engine) do(ctx context.Context, namespace, op string, fn func(ctx context.Context, tdb *db.TenantDB) error) error {
	return router.With(ctx, e.handles, namespace, op, fn)
}

func (e *Engine) loadGraph(ctx context.Context, namespace string, q db.Queries) (*Graph, error) {
	statuses, err := q.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	transitions, err := q.ListTransitions(ctx)
	if err != nil {
		return nil, err
	}
	return NewGraph(namespace, e.policy, statuses, transitions), nil
}

func loadTask(ctx context.Context, namespace string, q db.Queries, taskID int64) (*db.Task, error) {
	task, err := q.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, flowerrors.ErrTaskNotFound(namespace, taskID)
	}
	return task, err
}
