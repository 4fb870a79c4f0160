package depgraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"forecastline/internal/domain"
)

func edge(id, pred, succ string) domain.ObjectiveDependency {
	return domain.ObjectiveDependency{ID: id, PredecessorID: pred, SuccessorID: succ, Type: domain.FinishToStart}
}

func TestCheckEdgeRejectsReverseAndDuplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(edge("e1", "A", "B")))

	err := g.AddEdge(edge("e2", "B", "A"))
	require.ErrorIs(t, err, domain.ErrCycleDetected)
	var cyc *domain.CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"A", "B"}, cyc.Path)

	err = g.AddEdge(edge("e3", "A", "B"))
	require.ErrorIs(t, err, domain.ErrDuplicateEdge)
	assert.Len(t, g.Edges(), 1)
}

func TestCheckEdgeSelfLoop(t *testing.T) {
	g := New()
	assert.ErrorIs(t, g.CheckEdge("A", "A"), domain.ErrCycleDetected)
}

func TestCheckEdgeLongCycle(t *testing.T) {
	g, err := Build([]domain.ObjectiveDependency{
		edge("1", "A", "B"), edge("2", "B", "C"), edge("3", "C", "D"), edge("4", "X", "D"),
	})
	require.NoError(t, err)

	var cyc *domain.CycleError
	require.True(t, errors.As(g.CheckEdge("D", "A"), &cyc))
	assert.Equal(t, []string{"A", "B", "C", "D"}, cyc.Path)
	assert.NoError(t, g.CheckEdge("A", "D"))
	assert.NoError(t, g.CheckEdge("X", "A"))
}

func TestRemoveEdgeAllowsReverse(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(edge("e1", "A", "B")))
	require.NoError(t, g.RemoveEdge("e1"))
	assert.ErrorIs(t, g.RemoveEdge("e1"), domain.ErrNotFound)
	assert.False(t, g.Reaches("A", "B"))
	assert.NoError(t, g.AddEdge(edge("e2", "B", "A")))
}

func TestPredecessorsFilterByType(t *testing.T) {
	ss := edge("e2", "B", "C")
	ss.Type = domain.StartToStart
	g, err := Build([]domain.ObjectiveDependency{edge("e1", "A", "C"), ss})
	require.NoError(t, err)

	assert.Len(t, g.Predecessors("C"), 2)
	fs := g.Predecessors("C", domain.FinishToStart)
	require.Len(t, fs, 1)
	assert.Equal(t, "A", fs[0].PredecessorID)
	assert.Len(t, g.Successors("B", domain.StartToStart), 1)
	assert.Empty(t, g.Successors("B", domain.FinishToStart))
}

func TestTopologicalOrderIsDeterministic(t *testing.T) {
	g, err := Build([]domain.ObjectiveDependency{
		edge("1", "c", "d"), edge("2", "a", "d"), edge("3", "b", "c"),
	})
	require.NoError(t, err)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestSubgraphDropsOutsideEdges(t *testing.T) {
	g, err := Build([]domain.ObjectiveDependency{
		edge("1", "A", "B"), edge("2", "B", "Z"), edge("3", "Z", "C"),
	})
	require.NoError(t, err)
	sub := g.Subgraph([]string{"A", "B", "C"})
	assert.Equal(t, 3, sub.Len())
	assert.True(t, sub.HasEdge("A", "B"))
	assert.False(t, sub.Reaches("A", "C"))
}

func TestGraphStaysAcyclic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "nodes")
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		g := New()
		for i := 0; i < steps; i++ {
			p := rapid.IntRange(0, n-1).Draw(rt, "pred")
			s := rapid.IntRange(0, n-1).Draw(rt, "succ")
			pred, succ := fmt.Sprintf("n%d", p), fmt.Sprintf("n%d", s)
			closes := pred == succ || g.Reaches(succ, pred)
			dup := g.HasEdge(pred, succ)
			err := g.AddEdge(edge(fmt.Sprintf("e%d", i), pred, succ))
			switch {
			case closes:
				if !errors.Is(err, domain.ErrCycleDetected) {
					rt.Fatalf("%s -> %s closes a cycle, got %v", pred, succ, err)
				}
			case dup:
				if !errors.Is(err, domain.ErrDuplicateEdge) {
					rt.Fatalf("%s -> %s duplicate, got %v", pred, succ, err)
				}
			case err != nil:
				rt.Fatalf("%s -> %s: unexpected %v", pred, succ, err)
			}
		}
		order, err := g.TopologicalOrder()
		if err != nil {
			rt.Fatalf("graph has a cycle: %v", err)
		}
		pos := map[string]int{}
		for i, id := range order {
			pos[id] = i
		}
		for _, d := range g.Edges() {
			if pos[d.PredecessorID] >= pos[d.SuccessorID] {
				rt.Fatalf("edge %s -> %s out of order", d.PredecessorID, d.SuccessorID)
			}
		}
	})
}
