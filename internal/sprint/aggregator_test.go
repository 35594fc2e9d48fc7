package sprint

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
	"github.com/randalmurphal/tenantflow/internal/router"
	"github.com/randalmurphal/tenantflow/internal/workflow"
)

const ns = "t_sprint"

func setup(t *testing.T) (*Aggregator, *workflow.Engine, map[string]int64) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := router.NewTestRouter(t)
	_, err := r.Acquire(ctx, ns)
	require.NoError(t, err)

	engine := workflow.NewEngine(r, workflow.DefaultPolicy(), logger)
	g, err := engine.Graph(ctx, ns)
	require.NoError(t, err)
	ids := make(map[string]int64)
	for _, s := range g.Statuses() {
		ids[s.Name] = s.ID
	}
	return NewAggregator(r, logger), engine, ids
}

func TestComputeStatistics_EmptySprint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg, _, _ := setup(t)

	sp, err := agg.CreateSprint(ctx, ns, NewSprint{Name: "Empty"})
	require.NoError(t, err)

	stats, err := agg.ComputeStatistics(ctx, ns, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTasks)
	assert.Equal(t, 0.0, stats.CompletionRate)
	assert.False(t, math.IsNaN(stats.CompletionRate))
}

func TestComputeStatistics_CountsByCategory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg, engine, ids := setup(t)

	sp, err := agg.CreateSprint(ctx, ns, NewSprint{Name: "Sprint 1"})
	require.NoError(t, err)
	other, err := agg.CreateSprint(ctx, ns, NewSprint{Name: "Sprint 2"})
	require.NoError(t, err)

	create := func(sprintID int64, status string) *db.Task {
		nt := workflow.NewTask{Title: "task", SprintID: &sprintID}
		if status != "" {
			id := ids[status]
			nt.StatusID = &id
		}
		task, err := engine.CreateTask(ctx, ns, nt)
		require.NoError(t, err)
		return task
	}

	create(sp.ID, "ToDo")
	create(sp.ID, "InProgress")
	create(sp.ID, "Done")
	create(sp.ID, "Done")
	create(sp.ID, "")
	gone := create(sp.ID, "Done")
	_, err = engine.Archive(ctx, ns, gone.ID)
	require.NoError(t, err)
	create(other.ID, "Done")

	stats, err := agg.ComputeStatistics(ctx, ns, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalTasks, "archived and foreign tasks are excluded")
	assert.Equal(t, 1, stats.TodoTasks)
	assert.Equal(t, 1, stats.InProgressTasks)
	assert.Equal(t, 2, stats.CompletedTasks)
	assert.Equal(t, 1, stats.UnsetTasks)
	assert.InDelta(t, 0.4, stats.CompletionRate, 1e-9)
	assert.Equal(t, "Sprint 1", stats.SprintName)
}

func TestComputeStatistics_UnknownSprint(t *testing.T) {
	t.Parallel()
	agg, _, _ := setup(t)

	_, err := agg.ComputeStatistics(context.Background(), ns, 31337)
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerrors.NotFound)
	assert.Contains(t, err.Error(), "31337")
}

func TestSprintLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg, _, _ := setup(t)

	sp, err := agg.CreateSprint(ctx, ns, NewSprint{Name: "Lifecycle"})
	require.NoError(t, err)
	assert.Equal(t, db.SprintPlanned, sp.State)

	_, err = agg.CompleteSprint(ctx, ns, sp.ID)
	assert.ErrorIs(t, err, flowerrors.InvalidState, "planned sprint cannot complete")

	sp, err = agg.StartSprint(ctx, ns, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SprintActive, sp.State)
	assert.NotNil(t, sp.StartsAt)

	_, err = agg.StartSprint(ctx, ns, sp.ID)
	assert.ErrorIs(t, err, flowerrors.InvalidState)

	sp, err = agg.CompleteSprint(ctx, ns, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SprintCompleted, sp.State)
	assert.NotNil(t, sp.EndsAt)

	got, err := agg.GetSprint(ctx, ns, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SprintCompleted, got.State)

	_, err = agg.StartSprint(ctx, ns, 9999)
	assert.ErrorIs(t, err, flowerrors.NotFound)
}

func TestCreateSprint_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg, _, _ := setup(t)

	_, err := agg.CreateSprint(ctx, ns, NewSprint{Name: " "})
	assert.ErrorIs(t, err, flowerrors.InvalidState)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = agg.CreateSprint(ctx, ns, NewSprint{Name: "Backwards", StartsAt: &start, EndsAt: &end})
	assert.ErrorIs(t, err, flowerrors.InvalidState)
}
