package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

func ptr(v int64) *int64 { return &v }

// scenarioGraph has ToDo(1) → InProgress(2) → Done(3) and nothing else.
func scenarioGraph(policy Policy) *Graph {
	statuses := []db.Status{
		{ID: 3, Name: "Done", Category: db.CategoryDone, Position: 3},
		{ID: 1, Name: "ToDo", Category: db.CategoryTodo, Position: 1},
		{ID: 2, Name: "InProgress", Category: db.CategoryInProgress, Position: 2},
	}
	edges := []db.Transition{
		{From: ptr(1), To: 2},
		{From: ptr(2), To: 3},
	}
	return NewGraph("t_test", policy, statuses, edges)
}

func TestGraph_CheckSoundness(t *testing.T) {
	t.Parallel()
	g := scenarioGraph(DefaultPolicy())

	froms := []*int64{nil, ptr(1), ptr(2), ptr(3)}
	tos := []int64{1, 2, 3, 99}

	for _, from := range froms {
		for _, to := range tos {
			name := fmt.Sprintf("%s->%d", g.Name(from), to)
			t.Run(name, func(t *testing.T) {
				err := g.Check(from, to)

				_, known := g.Status(to)
				if !known {
					assert.ErrorIs(t, err, flowerrors.NotFound)
					return
				}

				want := from == nil || *from == to || g.HasEdge(from, to)
				if want {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, flowerrors.InvalidTransition)
				}
			})
		}
	}
}

func TestGraph_InvalidTransitionNamesBothStatuses(t *testing.T) {
	t.Parallel()
	g := scenarioGraph(DefaultPolicy())

	err := g.Check(ptr(1), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ToDo"`)
	assert.Contains(t, err.Error(), `"Done"`)
	assert.Contains(t, err.Error(), "t_test")
}

func TestGraph_StrictPolicy(t *testing.T) {
	t.Parallel()
	strict := Policy{}

	g := scenarioGraph(strict)
	assert.ErrorIs(t, g.Check(nil, 1), flowerrors.InvalidTransition, "first assignment needs an initial edge")
	assert.ErrorIs(t, g.Check(ptr(2), 2), flowerrors.InvalidTransition, "same status needs a self-edge")
	assert.NoError(t, g.Check(ptr(1), 2), "stored edges are unaffected")

	statuses := []db.Status{
		{ID: 1, Name: "ToDo", Category: db.CategoryTodo, Position: 1},
		{ID: 2, Name: "InProgress", Category: db.CategoryInProgress, Position: 2},
	}
	edges := []db.Transition{
		{From: nil, To: 1},
		{From: ptr(2), To: 2},
	}
	g = NewGraph("t_strict", strict, statuses, edges)
	assert.NoError(t, g.Check(nil, 1))
	assert.ErrorIs(t, g.Check(nil, 2), flowerrors.InvalidTransition)
	assert.NoError(t, g.Check(ptr(2), 2))
	assert.ErrorIs(t, g.Check(ptr(1), 1), flowerrors.InvalidTransition)
}

func TestGraph_Allowed(t *testing.T) {
	t.Parallel()
	g := scenarioGraph(DefaultPolicy())

	names := func(ss []Status) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.Name
		}
		return out
	}

	assert.Equal(t, []string{"ToDo", "InProgress", "Done"}, names(g.Allowed(nil)))
	assert.Equal(t, []string{"ToDo", "InProgress"}, names(g.Allowed(ptr(1))))
	assert.Equal(t, []string{"Done"}, names(g.Allowed(ptr(3))))

	strict := scenarioGraph(Policy{})
	assert.Empty(t, strict.Allowed(nil))
	assert.Equal(t, []string{"InProgress"}, names(strict.Allowed(ptr(1))))
}

func TestGraph_StatusesOrdered(t *testing.T) {
	t.Parallel()
	g := scenarioGraph(DefaultPolicy())
	ss := g.Statuses()
	require.Len(t, ss, 3)
	assert.Equal(t, "ToDo", ss[0].Name)
	assert.Equal(t, "Done", ss[2].Name)
	assert.Len(t, g.Edges(), 2)
	assert.Equal(t, "(unset)", g.Name(nil))
	assert.Equal(t, "#42", g.Name(ptr(42)))
}
