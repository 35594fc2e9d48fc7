package workflow

import (
	"fmt"
	"sort"

	"github.com/randalmurphal/tenantflow/internal/db"
	flowerrors "github.com/randalmurphal/tenantflow/internal/errors"
)

// unsetName is how an unset status appears in errors and listings.
const unsetName = "(unset)"

// Policy controls the two transitions allowed without a stored edge.
// With a flag off, the corresponding move needs an explicit edge: one
// stored with a NULL origin for AllowFromUnset, a self-edge for
// AllowSameStatus.
type Policy struct {
	// AllowFromUnset permits a first status assignment to any existing status.
	AllowFromUnset bool `yaml:"allow_from_unset" json:"allow_from_unset"`
	// AllowSameStatus permits "moving" a task to the status it already has.
	AllowSameStatus bool `yaml:"allow_same_status" json:"allow_same_status"`
}

// DefaultPolicy returns the permissive policy: both flags on.
func DefaultPolicy() Policy {
	return Policy{AllowFromUnset: true, AllowSameStatus: true}
}

// Status is a workflow state.
type Status struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	Category db.Category `json:"category"`
	Position int         `json:"position"`
}

// Edge is a stored transition. A nil From is an initial edge.
type Edge struct {
	From *int64 `json:"from,omitempty"`
	To   int64  `json:"to"`
}

type edgeKey struct {
	from  int64
	unset bool
	to    int64
}

func keyOf(from *int64, to int64) edgeKey {
	if from == nil {
		return edgeKey{unset: true, to: to}
	}
	return edgeKey{from: *from, to: to}
}

// Graph is one tenant's statuses and transitions as read at a point in time.
// It is immutable and safe for concurrent use.
type Graph struct {
	namespace string
	policy    Policy
	statuses  []Status
	byID      map[int64]Status
	edges     []Edge
	edgeSet   map[edgeKey]struct{}
}

// NewGraph builds a graph from stored rows.
func NewGraph(namespace string, policy Policy, statuses []db.Status, transitions []db.Transition) *Graph {
	g := &Graph{
		namespace: namespace,
		policy:    policy,
		statuses:  make([]Status, 0, len(statuses)),
		byID:      make(map[int64]Status, len(statuses)),
		edges:     make([]Edge, 0, len(transitions)),
		edgeSet:   make(map[edgeKey]struct{}, len(transitions)),
	}
	for _, s := range statuses {
		st := Status{ID: s.ID, Name: s.Name, Category: s.Category, Position: s.Position}
		g.statuses = append(g.statuses, st)
		g.byID[s.ID] = st
	}
	sort.SliceStable(g.statuses, func(i, j int) bool {
		return g.statuses[i].Position < g.statuses[j].Position
	})
	for _, t := range transitions {
		g.edges = append(g.edges, Edge{From: t.From, To: t.To})
		g.edgeSet[keyOf(t.From, t.To)] = struct{}{}
	}
	return g
}

// Namespace returns the tenant the graph was read from.
func (g *Graph) Namespace() string { return g.namespace }

// Policy returns the policy the graph validates with.
func (g *Graph) Policy() Policy { return g.policy }

// Statuses returns the statuses ordered by position.
func (g *Graph) Statuses() []Status {
	out := make([]Status, len(g.statuses))
	copy(out, g.statuses)
	return out
}

// Edges returns the stored transitions.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Status looks up a status by ID.
func (g *Graph) Status(id int64) (Status, bool) {
	s, ok := g.byID[id]
	return s, ok
}

// HasEdge reports whether the exact edge is stored.
func (g *Graph) HasEdge(from *int64, to int64) bool {
	_, ok := g.edgeSet[keyOf(from, to)]
	return ok
}

// Check validates moving from one status to another. It returns nil when
// allowed, NotFound for an unknown target and InvalidTransition, naming
// both statuses, otherwise.
func (g *Graph) Check(from *int64, to int64) error {
	target, ok := g.byID[to]
	if !ok {
		return flowerrors.ErrStatusNotFound(g.namespace, to)
	}

	switch {
	case from == nil:
		if g.policy.AllowFromUnset || g.HasEdge(nil, to) {
			return nil
		}
		return flowerrors.ErrInvalidTransition(g.namespace, unsetName, target.Name)
	case *from == to:
		if g.policy.AllowSameStatus || g.HasEdge(from, to) {
			return nil
		}
	default:
		if g.HasEdge(from, to) {
			return nil
		}
	}
	return flowerrors.ErrInvalidTransition(g.namespace, g.name(*from), target.Name)
}

// Allowed returns the statuses reachable in one move from the given status,
// in position order. The current status is included when same-status moves
// are permitted.
func (g *Graph) Allowed(from *int64) []Status {
	var out []Status
	for _, s := range g.statuses {
		if g.Check(from, s.ID) == nil {
			out = append(out, s)
		}
	}
	return out
}

// Name returns a status name, or a placeholder for nil or unknown IDs.
func (g *Graph) Name(id *int64) string {
	if id == nil {
		return unsetName
	}
	return g.name(*id)
}

func (g *Graph) name(id int64) string {
	if s, ok := g.byID[id]; ok {
		return s.Name
	}
	return fmt.Sprintf("#%d", id)
}
