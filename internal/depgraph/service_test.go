package depgraph_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecastline/internal/depgraph"
	"forecastline/internal/domain"
	"forecastline/internal/testutil"
)

func newService(t *testing.T, objectives ...string) (*depgraph.Service, *testutil.Store) {
	t.Helper()
	store := testutil.NewStore().AddProject("p1")
	for _, id := range objectives {
		store.AddObjective(domain.Objective{ID: id, ProjectID: "p1", Tier: 1})
	}
	return depgraph.NewService(store), store
}

func TestAddEdgeCycleAndDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "A", "B")

	dep, err := svc.AddEdge(ctx, "A", "B", domain.FinishToStart)
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)

	_, err = svc.AddEdge(ctx, "B", "A", domain.FinishToStart)
	assert.ErrorIs(t, err, domain.ErrCycleDetected)

	_, err = svc.AddEdge(ctx, "A", "B", domain.StartToStart)
	assert.ErrorIs(t, err, domain.ErrDuplicateEdge)
}

func TestAddEdgeValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "A", "B")

	_, err := svc.AddEdge(ctx, "A", "missing", domain.FinishToStart)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.AddEdge(ctx, "", "B", domain.FinishToStart)
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	_, err = svc.AddEdge(ctx, "A", "B", domain.DependencyType("XX"))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	_, err = svc.AddEdge(ctx, "A", "A", domain.FinishToStart)
	assert.ErrorIs(t, err, domain.ErrCycleDetected)

	dep, err := svc.AddEdge(ctx, "A", "B", "")
	require.NoError(t, err)
	assert.Equal(t, domain.FinishToStart, dep.Type)
}

func TestRemoveEdge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "A", "B")
	dep, err := svc.AddEdge(ctx, "A", "B", domain.FinishToStart)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveEdge(ctx, dep.ID))
	assert.ErrorIs(t, svc.RemoveEdge(ctx, dep.ID), domain.ErrNotFound)
	_, err = svc.AddEdge(ctx, "B", "A", domain.FinishToStart)
	assert.NoError(t, err)
}

func TestCanReleaseChecksDirectPredecessors(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, "A", "B", "C")
	_, err := svc.AddEdge(ctx, "A", "B", domain.FinishToStart)
	require.NoError(t, err)
	_, err = svc.AddEdge(ctx, "B", "C", domain.FinishToStart)
	require.NoError(t, err)
	store.StartRefinement("A", time.Now())

	st, err := svc.CanRelease(ctx, "C")
	require.NoError(t, err)
	assert.False(t, st.CanRelease)
	assert.Equal(t, []string{"B"}, st.BlockingPredecessors)

	st, err = svc.CanRelease(ctx, "B")
	require.NoError(t, err)
	assert.True(t, st.CanRelease)
	assert.Empty(t, st.BlockingPredecessors)

	_, err = svc.CanRelease(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCanReleaseIgnoresNonFinishToStart(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "A", "B", "C")
	_, err := svc.AddEdge(ctx, "A", "C", domain.StartToStart)
	require.NoError(t, err)
	_, err = svc.AddEdge(ctx, "B", "C", domain.FinishToFinish)
	require.NoError(t, err)

	st, err := svc.CanRelease(ctx, "C")
	require.NoError(t, err)
	assert.True(t, st.CanRelease)
}

func TestReleasableListsProject(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, "A", "B")
	_, err := svc.AddEdge(ctx, "A", "B", domain.FinishToStart)
	require.NoError(t, err)

	all, err := svc.Releasable(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].CanRelease)
	assert.Equal(t, []string{"A"}, all[1].BlockingPredecessors)

	_, err = svc.Releasable(ctx, "p2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentOppositeEdgesNeverBothSucceed(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		svc, _ := newService(t, "A", "B")
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, pair := range [][2]string{{"A", "B"}, {"B", "A"}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = svc.AddEdge(ctx, pair[0], pair[1], domain.FinishToStart)
			}()
		}
		wg.Wait()
		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, domain.ErrCycleDetected, fmt.Sprint(i))
			}
		}
		assert.Equal(t, 1, ok)
	}
}

func TestProjectGraphIncludesIsolatedObjectives(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, "A", "B", "C")
	store.AddProject("p2").AddObjective(domain.Objective{ID: "X", ProjectID: "p2"})
	_, err := svc.AddEdge(ctx, "A", "B", domain.FinishToStart)
	require.NoError(t, err)
	_, err = svc.AddEdge(ctx, "X", "A", domain.FinishToStart)
	require.NoError(t, err)

	g, err := svc.ProjectGraph(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.False(t, g.HasNode("X"))
	assert.True(t, g.HasEdge("A", "B"))

	deps, err := svc.ProjectDependencies(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, deps, 2)
}
