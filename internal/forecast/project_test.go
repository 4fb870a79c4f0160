package forecast_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecastline/internal/domain"
)

// projectFixture: t1 clears 10 items at 5/week (2 weeks), t2 clears 2 items
// at 2/week (1 week). O1 -FS-> O2; O3 is independent and uses both teams.
func projectFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture()
	f.history("t1", 5, 5, 5, 5, 5, 5)
	f.history("t2", 2, 2, 2, 2, 2, 2)
	f.store.AddItems("t1", domain.P1, 10)
	f.store.AddItems("t2", domain.P1, 2)
	f.store.AddProject("p1")
	for _, id := range []string{"O1", "O2", "O3"} {
		f.store.AddObjective(domain.Objective{ID: id, ProjectID: "p1", Tier: 1})
	}
	f.store.AssignTeams("O1", "t1").AssignTeams("O2", "t2").AssignTeams("O3", "t1", "t2")
	_, err := f.graph.AddEdge(context.Background(), "O1", "O2", domain.FinishToStart)
	require.NoError(t, err)
	return f
}

func byID(pf domain.ProjectForecast) map[string]domain.ObjectiveForecast {
	out := map[string]domain.ObjectiveForecast{}
	for _, o := range pf.ObjectiveForecasts {
		out[o.ObjectiveID] = o
	}
	return out
}

func TestForecastProjectCriticalPath(t *testing.T) {
	f := projectFixture(t)

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, pf.CriticalPathWeeks)
	assert.Equal(t, []string{"O1", "O2"}, pf.CriticalPath)
	assert.Equal(t, today(), pf.Anchor)
	assert.Equal(t, "2024-03-27", pf.EstimatedCompletionDate.Format(domain.DateLayout))
	assert.Equal(t, domain.ConfidenceFull, pf.Confidence)
	assert.Empty(t, pf.UnestimableObjectives)

	objs := byID(pf)
	require.Len(t, objs, 3)
	assert.Equal(t, 2.0, objs["O2"].StartWeeks)
	assert.Equal(t, 3.0, objs["O2"].FinishWeeks)
	assert.True(t, objs["O2"].OnCriticalPath)
	assert.Equal(t, 2.0, *objs["O3"].DurationWeeks, "slowest team gates the objective")
	assert.False(t, objs["O3"].OnCriticalPath)
	assert.Len(t, objs["O3"].Teams, 2)
}

func TestForecastProjectIgnoresNonFinishToStart(t *testing.T) {
	f := projectFixture(t)
	_, err := f.graph.AddEdge(context.Background(), "O3", "O2", domain.StartToStart)
	require.NoError(t, err)

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, pf.CriticalPathWeeks)
}

func TestForecastProjectPartialWhenUnestimable(t *testing.T) {
	f := projectFixture(t)
	f.store.AddTeam("t3")
	f.store.AddObjective(domain.Objective{ID: "O4", ProjectID: "p1"})
	f.store.AssignTeams("O4", "t3")
	_, err := f.graph.AddEdge(context.Background(), "O4", "O2", domain.FinishToStart)
	require.NoError(t, err)

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidencePartial, pf.Confidence)
	assert.Equal(t, []string{"O4"}, pf.UnestimableObjectives)
	assert.Equal(t, 3.0, pf.CriticalPathWeeks)

	objs := byID(pf)
	assert.Nil(t, objs["O4"].DurationWeeks)
	assert.Equal(t, domain.ConfidenceInsufficient, objs["O4"].Confidence)
	assert.Equal(t, domain.ConfidencePartial, objs["O2"].Confidence)
	assert.Nil(t, objs["O2"].EstimatedDate)
	assert.NotNil(t, objs["O3"].EstimatedDate)
}

func TestForecastProjectCriticalPathKeepsUnestimableEnds(t *testing.T) {
	f := newFixture()
	f.history("t1", 5, 5, 5, 5, 5, 5)
	f.store.AddItems("t1", domain.P1, 10)
	f.store.AddTeam("t3")
	f.store.AddProject("p1")
	for _, id := range []string{"U", "O1", "TAIL"} {
		f.store.AddObjective(domain.Objective{ID: id, ProjectID: "p1", Tier: 1})
	}
	f.store.AssignTeams("U", "t3").AssignTeams("O1", "t1").AssignTeams("TAIL", "t3")
	ctx := context.Background()
	_, err := f.graph.AddEdge(ctx, "U", "O1", domain.FinishToStart)
	require.NoError(t, err)
	_, err = f.graph.AddEdge(ctx, "O1", "TAIL", domain.FinishToStart)
	require.NoError(t, err)

	pf, err := f.projects.ForecastProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U", "O1", "TAIL"}, pf.CriticalPath)
	assert.Equal(t, 2.0, pf.CriticalPathWeeks)
	assert.Equal(t, []string{"TAIL", "U"}, pf.UnestimableObjectives)
	assert.Equal(t, domain.ConfidencePartial, pf.Confidence)

	objs := byID(pf)
	assert.True(t, objs["U"].OnCriticalPath)
	assert.True(t, objs["O1"].OnCriticalPath)
	assert.True(t, objs["TAIL"].OnCriticalPath)
	assert.Equal(t, 2.0, objs["TAIL"].StartWeeks)
	assert.Equal(t, 2.0, objs["TAIL"].FinishWeeks)
}

func TestForecastProjectCriticalPathIncludesTrailingContainer(t *testing.T) {
	f := projectFixture(t)
	f.store.AddObjective(domain.Objective{ID: "GATE", ProjectID: "p1"})
	_, err := f.graph.AddEdge(context.Background(), "O2", "GATE", domain.FinishToStart)
	require.NoError(t, err)

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"O1", "O2", "GATE"}, pf.CriticalPath)
	assert.Equal(t, 3.0, pf.CriticalPathWeeks)
	assert.True(t, byID(pf)["GATE"].OnCriticalPath)
}

func TestForecastProjectContainersAndAtRisk(t *testing.T) {
	f := projectFixture(t)
	parent := "ROOT"
	target := today().AddDate(0, 0, 14)
	f.store.AddObjective(domain.Objective{ID: parent, ProjectID: "p1"})
	f.store.AddObjective(domain.Objective{ID: "O2", ProjectID: "p1", ParentObjectiveID: &parent, TargetDate: &target})
	f.store.AddObjective(domain.Objective{ID: "O5", ProjectID: "p1"})

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	objs := byID(pf)
	assert.Equal(t, domain.ObjectiveContainer, objs[parent].Kind)
	assert.Equal(t, 0.0, *objs[parent].DurationWeeks)
	assert.Equal(t, domain.ObjectiveUnassigned, objs["O5"].Kind)
	assert.True(t, objs["O2"].AtRisk)
	assert.False(t, objs["O1"].AtRisk)
}

func TestForecastProjectAnchorsOnFutureActivity(t *testing.T) {
	f := projectFixture(t)
	f.store.StartRefinement("O1", now.AddDate(0, 0, 10))

	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-16", pf.Anchor.Format(domain.DateLayout))
	assert.Equal(t, "2024-04-06", pf.EstimatedCompletionDate.Format(domain.DateLayout))
}

func TestForecastProjectUnknown(t *testing.T) {
	f := newFixture()
	_, err := f.projects.ForecastProject(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestForecastProjectEmpty(t *testing.T) {
	f := newFixture()
	f.store.AddProject("p1")
	pf, err := f.projects.ForecastProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, pf.CriticalPathWeeks)
	assert.Empty(t, pf.CriticalPath)
	assert.Equal(t, today(), pf.EstimatedCompletionDate)
}
