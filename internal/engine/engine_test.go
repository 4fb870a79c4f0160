package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecastline/internal/config"
	"forecastline/internal/db"
	"forecastline/internal/domain"
	"forecastline/internal/engine"
	"forecastline/internal/engine/auth"
	"forecastline/internal/events"
	"forecastline/internal/migrate"
	"forecastline/internal/repo"
)

// Wednesday; the current week starts 2024-03-04.
var now = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err, "migrate")
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: ctx}
}

// history records one count per week, the last one for the week before now.
func (env testEnv) history(t *testing.T, team string, counts ...int) {
	t.Helper()
	week := domain.WeekStart(now).AddDate(0, 0, -7*len(counts))
	for _, c := range counts {
		_, err := env.Engine.SetWeeklyThroughput(env.Ctx, team, week, c)
		require.NoError(t, err)
		week = week.AddDate(0, 0, 7)
	}
}

func (env testEnv) team(t *testing.T, id string, counts ...int) {
	t.Helper()
	_, err := env.Engine.CreateTeam(env.Ctx, id, "")
	require.NoError(t, err)
	if len(counts) > 0 {
		env.history(t, id, counts...)
	}
}

func (env testEnv) items(t *testing.T, team string, bucket domain.PriorityBucket, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		it, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{TeamID: team, Bucket: bucket, Status: domain.StatusReady})
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	return ids
}

func (env testEnv) objectives(t *testing.T, project string, ids ...string) {
	t.Helper()
	if _, err := env.Engine.Repo.GetProject(env.Ctx, project); errors.Is(err, domain.ErrNotFound) {
		_, err := env.Engine.CreateProject(env.Ctx, project, "")
		require.NoError(t, err)
	}
	for _, id := range ids {
		_, err := env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{ID: id, ProjectID: project})
		require.NoError(t, err)
	}
}

func TestForecastItemFromStoredState(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1", 5, 5, 5, 5, 5, 5)
	env.items(t, "t1", domain.P1, 3)
	p2 := env.items(t, "t1", domain.P2, 2)

	fc, err := env.Engine.ForecastItem(env.Ctx, p2[1], "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, fc.Position)
	require.NotNil(t, fc.EstimatedWeeks)
	assert.Equal(t, 1.0, *fc.EstimatedWeeks)
	assert.Equal(t, "2024-03-13", fc.EstimatedDate.Format(domain.DateLayout))
	assert.Equal(t, domain.ConfidenceFull, fc.Confidence)

	backlog, err := env.Engine.ForecastBacklog(env.Ctx, "t1")
	require.NoError(t, err)
	require.Len(t, backlog, 5)
	assert.Equal(t, fc, backlog[4])

	q, err := env.Engine.Queue(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.PriorityBucket]int{domain.P1: 3, domain.P2: 2, domain.P3: 0}, q.Counts)
}

func TestCreateWorkItemRanks(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1")

	first, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{TeamID: "t1", Bucket: domain.P1})
	require.NoError(t, err)
	assert.Equal(t, 1, first.StackRank)
	second, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{TeamID: "t1", Bucket: domain.P1})
	require.NoError(t, err)
	assert.Equal(t, 2, second.StackRank)

	_, err = env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{TeamID: "t1", Bucket: domain.P1, StackRank: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	_, err = env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{TeamID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.Engine.RankWorkItem(env.Ctx, second.ID, domain.P1, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	moved, err := env.Engine.RankWorkItem(env.Ctx, second.ID, domain.P3, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.P3, moved.PriorityBucket)
}

func TestCompletionUpdatesWeeklyThroughput(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1")
	ids := env.items(t, "t1", domain.P1, 2)

	done, err := env.Engine.CompleteWorkItem(env.Ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, now, *done.CompletedAt)

	weeks, err := env.Engine.Repo.GetWeeklyThroughput(env.Ctx, "t1")
	require.NoError(t, err)
	require.Len(t, weeks, 1)
	assert.Equal(t, "2024-03-04", weeks[0].WeekStart.Format(domain.DateLayout))
	assert.Equal(t, 1, weeks[0].ItemsCompleted)

	q, err := env.Engine.Queue(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.TotalOpen)

	reopened, err := env.Engine.SetWorkItemStatus(env.Ctx, ids[0], domain.StatusInProgress)
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)
	weeks, err = env.Engine.Repo.GetWeeklyThroughput(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, weeks[0].ItemsCompleted)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: ids[0]})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, events.ItemStatus, evts[0].Type)
	assert.Equal(t, events.ItemComplete, evts[1].Type)
}

func TestRebuildThroughputFillsGaps(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1")
	ids := env.items(t, "t1", domain.P1, 3)

	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 20, 9, 0, 0, 0, time.UTC) }
	for _, id := range ids[:2] {
		_, err := env.Engine.CompleteWorkItem(env.Ctx, id)
		require.NoError(t, err)
	}
	env.Engine.Now = func() time.Time { return now }
	_, err := env.Engine.SetWeeklyThroughput(env.Ctx, "t1", now, 40)
	require.NoError(t, err)

	rows, err := env.Engine.RebuildThroughput(env.Ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{2, 0, 0}, []int{rows[0].ItemsCompleted, rows[1].ItemsCompleted, rows[2].ItemsCompleted})
	assert.Equal(t, "2024-02-19", rows[0].WeekStart.Format(domain.DateLayout))

	rate, err := env.Engine.Rate(env.Ctx, "t1", 6)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, rate.ItemsPerWeek, 1e-9)
	assert.Equal(t, domain.ConfidenceLimited, rate.Confidence())
}

func TestAddDependencyRejections(t *testing.T) {
	env := newTestEnv(t)
	env.objectives(t, "p1", "A", "B", "C")

	dep, err := env.Engine.AddDependency(env.Ctx, "A", "B", "")
	require.NoError(t, err)
	assert.Equal(t, domain.FinishToStart, dep.Type)
	_, err = env.Engine.AddDependency(env.Ctx, "B", "C", domain.FinishToStart)
	require.NoError(t, err)

	_, err = env.Engine.AddDependency(env.Ctx, "C", "A", domain.FinishToStart)
	require.ErrorIs(t, err, domain.ErrCycleDetected)
	var cyc *domain.CycleError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"A", "B", "C"}, cyc.Path)

	_, err = env.Engine.AddDependency(env.Ctx, "A", "B", domain.StartToStart)
	assert.ErrorIs(t, err, domain.ErrDuplicateEdge)
	_, err = env.Engine.AddDependency(env.Ctx, "A", "missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	deps, err := env.Engine.ProjectDependencies(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, deps, 2)
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.DependencyAdd})
	require.NoError(t, err)
	assert.Len(t, evts, 2, "rejected inserts leave no event")
	assert.Equal(t, "p1", evts[0].ProjectID)
}

func TestRemoveDependency(t *testing.T) {
	env := newTestEnv(t)
	env.objectives(t, "p1", "A", "B")
	dep, err := env.Engine.AddDependency(env.Ctx, "A", "B", "")
	require.NoError(t, err)

	require.NoError(t, env.Engine.RemoveDependency(env.Ctx, dep.ID))
	assert.ErrorIs(t, env.Engine.RemoveDependency(env.Ctx, dep.ID), domain.ErrNotFound)
	_, err = env.Engine.AddDependency(env.Ctx, "B", "A", "")
	assert.NoError(t, err, "reverse edge allowed once the original is gone")
}

func TestCanReleaseChain(t *testing.T) {
	env := newTestEnv(t)
	env.objectives(t, "p1", "A", "B", "C")
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}} {
		_, err := env.Engine.AddDependency(env.Ctx, pair[0], pair[1], domain.FinishToStart)
		require.NoError(t, err)
	}
	_, err := env.Engine.StartRefinement(env.Ctx, "A", time.Time{})
	require.NoError(t, err)

	st, err := env.Engine.CanRelease(env.Ctx, "C")
	require.NoError(t, err)
	assert.False(t, st.CanRelease)
	assert.Equal(t, []string{"B"}, st.BlockingPredecessors)

	st, err = env.Engine.CanRelease(env.Ctx, "B")
	require.NoError(t, err)
	assert.True(t, st.CanRelease)

	all, err := env.Engine.Releasable(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CanRelease)
}

func TestDescribeObjectiveListsSessions(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1")
	env.objectives(t, "p1", "A")
	require.NoError(t, env.Engine.AssignTeam(env.Ctx, "A", "t1"))

	d, err := env.Engine.DescribeObjective(env.Ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "p1", d.Objective.ProjectID)
	assert.Equal(t, []string{"t1"}, d.Teams)
	assert.Empty(t, d.RefinementSessions)

	later := now.Add(48 * time.Hour)
	_, err = env.Engine.StartRefinement(env.Ctx, "A", later)
	require.NoError(t, err)
	_, err = env.Engine.StartRefinement(env.Ctx, "A", time.Time{})
	require.NoError(t, err)

	d, err = env.Engine.DescribeObjective(env.Ctx, "A")
	require.NoError(t, err)
	require.Len(t, d.RefinementSessions, 2)
	assert.True(t, d.RefinementSessions[0].StartedAt.Equal(now))
	assert.True(t, d.RefinementSessions[1].StartedAt.Equal(later))

	_, err = env.Engine.DescribeObjective(env.Ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestForecastProjectFromStoredState(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "t1", 5, 5, 5, 5, 5, 5)
	env.team(t, "t2", 2, 2, 2, 2, 2, 2)
	env.items(t, "t1", domain.P1, 10)
	env.items(t, "t2", domain.P1, 2)
	env.objectives(t, "p1", "O1", "O2")
	require.NoError(t, env.Engine.AssignTeam(env.Ctx, "O1", "t1"))
	require.NoError(t, env.Engine.AssignTeam(env.Ctx, "O2", "t2"))
	_, err := env.Engine.AddDependency(env.Ctx, "O1", "O2", domain.FinishToStart)
	require.NoError(t, err)

	pf, err := env.Engine.ForecastProject(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"O1", "O2"}, pf.CriticalPath)
	assert.Equal(t, 3.0, pf.CriticalPathWeeks)
	assert.Equal(t, "2024-03-27", pf.EstimatedCompletionDate.Format(domain.DateLayout))
	assert.Equal(t, domain.ConfidenceFull, pf.Confidence)

	require.NoError(t, env.Engine.UnassignTeam(env.Ctx, "O2", "t2"))
	assert.ErrorIs(t, env.Engine.UnassignTeam(env.Ctx, "O2", "t2"), domain.ErrNotFound)
	pf, err = env.Engine.ForecastProject(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pf.CriticalPathWeeks)
}

func TestCreateObjectiveValidation(t *testing.T) {
	env := newTestEnv(t)
	env.objectives(t, "p1", "root")
	env.objectives(t, "p2")

	_, err := env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{ProjectID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{ProjectID: "p2", ParentID: "root"})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)

	target := time.Date(2024, 4, 1, 15, 0, 0, 0, time.UTC)
	child, err := env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{ProjectID: "p1", ParentID: "root", Tier: 2, TargetDate: &target})
	require.NoError(t, err)
	got, err := env.Engine.Repo.GetObjective(env.Ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ParentObjectiveID)
	assert.Equal(t, "root", *got.ParentObjectiveID)
	assert.Equal(t, "2024-04-01", got.TargetDate.Format(domain.DateLayout))
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := events.WithActor(env.Ctx, "admin")

	key, plain, err := env.Engine.CreateAPIKey(ctx, "alice", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)

	actor, err := env.Engine.Authenticate(env.Ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "alice", actor)

	_, err = env.Engine.Authenticate(env.Ctx, "fl_wrong")
	var unauth auth.UnauthorizedError
	assert.ErrorAs(t, err, &unauth)

	require.NoError(t, env.Engine.RevokeAPIKey(ctx, key.ID))
	_, err = env.Engine.Authenticate(env.Ctx, plain)
	assert.ErrorAs(t, err, &unauth)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityKind: "api_key"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	for _, e := range evts {
		assert.Equal(t, "admin", e.ActorID)
	}
}
