// Package sprint computes sprint statistics and manages the sprint lifecycle.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/router"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

// Statistics summarizes the non-archived tasks of a sprint by status
// category.
type Statistics struct {
	SprintID        int64          `json:"sprint_id"`
	SprintName      string         `json:"sprint_name"`
	State           db.SprintState `json:"state"`
	TotalTasks      int            `json:"total_tasks"`
	TodoTasks       int            `json:"todo_tasks"`
	InProgressTasks int            `json:"in_progress_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	UnsetTasks      int            `json:"unset_tasks"`
	// CompletionRate is CompletedTasks / TotalTasks, or 0 for an empty sprint.
	CompletionRate float64 `json:"completion_rate"`
}

// NewSprint holds the fields for CreateSprint.
type NewSprint struct {
	Name     string
	StartsAt *time.Time
	EndsAt   *time.Time
}

// Aggregator reads sprint data from tenant databases. It keeps no state.
type Aggregator struct {
	handles router.Source
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. A nil logger uses slog.Default().
func NewAggregator(handles router.Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		handles: handles,
		logger:  logger.With("component", "sprint"),
		now:     time.Now,
	}
}

// ComputeStatistics counts a sprint's tasks per status category. The sprint,
// its task counts and the status metadata are read from one snapshot.
func (a *Aggregator) ComputeStatistics(ctx context.Context, namespace string, sprintID int64) (*Statistics, error) {
	var stats *Statistics
	err := router.With(ctx, a.handles, namespace, "compute statistics", func(ctx context.Context, tdb *db.TenantDB) error {
		return tdb.RunInReadTx(ctx, func(tx *db.TenantTx) error {
			sp, err := tx.GetSprint(ctx, sprintID)
			if errors.Is(err, db.ErrNotFound) {
				return flowerrors.ErrSprintNotFound(namespace, sprintID)
			}
			if err != nil {
				return err
			}

			statuses, err := tx.ListStatuses(ctx)
			if err != nil {
				return err
			}
			// Only status metadata is needed; edges and policy are irrelevant here.
			g := workflow.NewGraph(namespace, workflow.DefaultPolicy(), statuses, nil)

			counts, err := tx.CountSprintTasksByStatus(ctx, sprintID)
			if err != nil {
				return err
			}

			stats = &Statistics{SprintID: sp.ID, SprintName: sp.Name, State: sp.State}
			for _, c := range counts {
				stats.TotalTasks += c.Count
				if c.StatusID == nil {
					stats.UnsetTasks += c.Count
					continue
				}
				st, ok := g.Status(*c.StatusID)
				if !ok {
					stats.UnsetTasks += c.Count
					continue
				}
				switch st.Category {
				case db.CategoryTodo:
					stats.TodoTasks += c.Count
				case db.CategoryInProgress:
					stats.InProgressTasks += c.Count
				case db.CategoryDone:
					stats.CompletedTasks += c.Count
				}
			}
			if stats.TotalTasks > 0 {
				stats.CompletionRate = float64(stats.CompletedTasks) / float64(stats.TotalTasks)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CreateSprint adds a sprint in the planned state.
func (a *Aggregator) CreateSprint(ctx context.Context, namespace string, ns NewSprint) (*db.Sprint, error) {
	if strings.TrimSpace(ns.Name) == "" {
		return nil, flowerrors.ErrInvalidState(namespace, "sprint name is required", "Sprints are listed by name")
	}
	if ns.StartsAt != nil && ns.EndsAt != nil && ns.EndsAt.Before(*ns.StartsAt) {
		return nil, flowerrors.ErrInvalidState(namespace, "sprint ends before it starts", "ends_at must not precede starts_at")
	}

	sp := &db.Sprint{Name: ns.Name, State: db.SprintPlanned, StartsAt: ns.StartsAt, EndsAt: ns.EndsAt, CreatedAt: a.now()}
	err := router.With(ctx, a.handles, namespace, "create sprint", func(ctx context.Context, tdb *db.TenantDB) error {
		return tdb.CreateSprint(ctx, sp)
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "sprint created", "namespace", namespace, "sprint_id", sp.ID)
	return sp, nil
}

// GetSprint reads a sprint.
func (a *Aggregator) GetSprint(ctx context.Context, namespace string, sprintID int64) (*db.Sprint, error) {
	var sp *db.Sprint
	err := router.With(ctx, a.handles, namespace, "get sprint", func(ctx context.Context, tdb *db.TenantDB) error {
		var err error
		sp, err = getSprint(ctx, namespace, tdb.Queries, sprintID)
		return err
	})
	return sp, err
}

// StartSprint moves a planned sprint to active.
func (a *Aggregator) StartSprint(ctx context.Context, namespace string, sprintID int64) (*db.Sprint, error) {
	return a.advance(ctx, namespace, sprintID, db.SprintPlanned, db.SprintActive)
}

// CompleteSprint moves an active sprint to completed.
func (a *Aggregator) CompleteSprint(ctx context.Context, namespace string, sprintID int64) (*db.Sprint, error) {
	return a.advance(ctx, namespace, sprintID, db.SprintActive, db.SprintCompleted)
}

func (a *Aggregator) advance(ctx context.Context, namespace string, sprintID int64, from, to db.SprintState) (*db.Sprint, error) {
	var sp *db.Sprint
	err := router.With(ctx, a.handles, namespace, "update sprint", func(ctx context.Context, tdb *db.TenantDB) error {
		return tdb.RunInTx(ctx, nil, func(tx *db.TenantTx) error {
			current, err := getSprint(ctx, namespace, tx.Queries, sprintID)
			if err != nil {
				return err
			}
			if current.State != from {
				return flowerrors.ErrInvalidState(namespace,
					fmt.Sprintf("sprint %d is %s, not %s", sprintID, current.State, from),
					fmt.Sprintf("Only a %s sprint can become %s", from, to))
			}
			ok, err := tx.UpdateSprintState(ctx, sprintID, from, to, a.now())
			if err != nil {
				return err
			}
			if !ok {
				return flowerrors.ErrInvalidState(namespace,
					fmt.Sprintf("sprint %d changed state concurrently", sprintID), "")
			}
			sp, err = getSprint(ctx, namespace, tx.Queries, sprintID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "sprint state changed", "namespace", namespace, "sprint_id", sprintID, "state", to)
	return sp, nil
}

func getSprint(ctx context.Context, namespace string, q db.Queries, sprintID int64) (*db.Sprint, error) {
	sp, err := q.GetSprint(ctx, sprintID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, flowerrors.ErrSprintNotFound(namespace, sprintID)
	}
	return sp, err
}
