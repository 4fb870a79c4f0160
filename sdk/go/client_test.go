package forecastlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecastline/internal/config"
	"forecastline/internal/db"
	"forecastline/internal/domain"
	"forecastline/internal/engine"
	"forecastline/internal/migrate"
	"forecastline/internal/server"
)

func newTestAPI(t *testing.T) (*engine.Engine, *Client) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC) }
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, plain, err := e.CreateAPIKey(ctx, "sdk", "test")
	require.NoError(t, err)
	c := New(srv.URL + "/v0")
	c.APIKey = plain
	return e, c
}

func TestClientForecastsAndDependencies(t *testing.T) {
	e, c := newTestAPI(t)
	ctx := context.Background()

	_, err := e.CreateProject(ctx, "p1", "")
	require.NoError(t, err)
	for _, id := range []string{"A", "B"} {
		_, err := e.CreateObjective(ctx, engine.ObjectiveCreateOptions{ID: id, ProjectID: "p1"})
		require.NoError(t, err)
	}
	_, err = e.CreateTeam(ctx, "t1", "")
	require.NoError(t, err)
	_, err = e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{TeamID: "t1", Bucket: domain.P1})
	require.NoError(t, err)

	dep, err := c.AddDependency(ctx, "A", "B", "")
	require.NoError(t, err)
	assert.Equal(t, "FS", dep.Type)

	_, err = c.AddDependency(ctx, "B", "A", "")
	require.Error(t, err)
	assert.True(t, IsCycle(err))
	assert.Equal(t, []string{"A", "B"}, CyclePath(err))

	st, err := c.CanRelease(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, st.BlockingPredecessors)

	deps, err := c.ProjectDependencies(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.NoError(t, c.RemoveDependency(ctx, dep.ID))

	items, err := c.ForecastBacklog(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].EstimatedWeeks)
	assert.Equal(t, "insufficient-history", items[0].Confidence)

	q, err := c.Queue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Counts["P1"])

	pf, err := c.ForecastProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", pf.ProjectID)

	evts, err := c.Events(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "dependency.remove", evts[0].Type)
	assert.Equal(t, "sdk", evts[0].ActorID)
}

func TestClientNotFound(t *testing.T) {
	_, c := newTestAPI(t)
	_, err := c.TeamLoad(context.Background(), "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.False(t, IsCycle(err))
}
