package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forecastline/internal/config"
	"forecastline/internal/db"
	"forecastline/internal/domain"
	"forecastline/internal/engine"
	"forecastline/internal/migrate"
)

// Wednesday; the current week starts 2024-03-04.
var testNow = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err, "migrate")
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testNow }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

var asBob = map[string]string{"X-Actor-Id": "bob"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func seedObjectives(t *testing.T, e *engine.Engine, project string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateProject(ctx, project, "")
	require.NoError(t, err)
	for _, id := range ids {
		_, err := e.CreateObjective(ctx, engine.ObjectiveCreateOptions{ID: id, ProjectID: project})
		require.NoError(t, err)
	}
}

func TestHealthIsOpenAndOthersRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/throughput", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/throughput", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)
}

func TestItemForecastWithAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	e := srv.Engine

	_, err := e.CreateTeam(ctx, "t1", "Team One")
	require.NoError(t, err)
	week := domain.WeekStart(testNow).AddDate(0, 0, -42)
	for i := 0; i < 6; i++ {
		_, err := e.SetWeeklyThroughput(ctx, "t1", week.AddDate(0, 0, 7*i), 5)
		require.NoError(t, err)
	}
	var last domain.WorkItem
	for i := 0; i < 5; i++ {
		last, err = e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{TeamID: "t1", Bucket: domain.P2, Status: domain.StatusReady})
		require.NoError(t, err)
	}
	_, plain, err := e.CreateAPIKey(ctx, "alice", "ci")
	require.NoError(t, err)
	withKey := map[string]string{"X-Api-Key": plain}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/teams/t1/items/"+last.ID+"/forecast", nil, withKey)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var fc struct {
		Position       int      `json:"position"`
		EstimatedWeeks *float64 `json:"estimated_weeks"`
		EstimatedDate  string   `json:"estimated_date"`
		Confidence     string   `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(body, &fc))
	assert.Equal(t, 5, fc.Position)
	require.NotNil(t, fc.EstimatedWeeks)
	assert.Equal(t, 1.0, *fc.EstimatedWeeks)
	assert.Contains(t, fc.EstimatedDate, "2024-03-13")
	assert.Equal(t, "full", fc.Confidence)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/throughput", nil, withKey)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var rates ThroughputResponse
	require.NoError(t, json.Unmarshal(body, &rates))
	require.Len(t, rates.Teams, 1)
	assert.Equal(t, 5.0, rates.Teams[0].ItemsPerWeek)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/teams/ghost/queue", nil, withKey)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "not_found", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, WhoAmIResponse{ActorID: "alice", Source: "api_key"}, me)
}

func TestDependencyRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedObjectives(t, srv.Engine, "p1", "A", "B", "C")
	url := srv.URL + "/v0/dependencies"
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "A", SuccessorID: "B"}, asBob)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ab domain.ObjectiveDependency
	require.NoError(t, json.Unmarshal(body, &ab))
	assert.Equal(t, domain.FinishToStart, ab.Type)

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "B", SuccessorID: "C"}, asBob)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "C", SuccessorID: "A"}, asBob)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	cycle := decodeError(t, body)
	assert.Equal(t, "cycle_detected", cycle.Error.Code)
	assert.Equal(t, []any{"A", "B", "C"}, cycle.Error.Details["path"])

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "A", SuccessorID: "B"}, asBob)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	assert.Equal(t, "duplicate_edge", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "A", SuccessorID: "Z"}, asBob)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "A", SuccessorID: "C", Type: "XX"}, asBob)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "invalid_parameter", decodeError(t, body).Error.Code)

	res, body = doJSON(t, client, http.MethodPost, url, CreateDependencyRequest{PredecessorID: "A", SuccessorID: "C", Type: "ss"}, asBob)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ac domain.ObjectiveDependency
	require.NoError(t, json.Unmarshal(body, &ac))
	assert.Equal(t, domain.StartToStart, ac.Type)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/objectives/C/release", nil, asBob)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var st domain.ReleaseStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.CanRelease)
	assert.Equal(t, []string{"B"}, st.BlockingPredecessors)

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/dependencies/"+ab.ID, nil, asBob)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(body))
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/dependencies/"+ab.ID, nil, asBob)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/p1/dependencies", nil, asBob)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var deps DependenciesResponse
	require.NoError(t, json.Unmarshal(body, &deps))
	require.Len(t, deps.Items, 2)
	for _, d := range deps.Items {
		assert.Equal(t, "C", d.SuccessorID)
	}
}

func TestEventsRecordActorAndPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedObjectives(t, srv.Engine, "p1", "A", "B", "C")
	client := srv.Client()
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dependencies", CreateDependencyRequest{PredecessorID: pair[0], SuccessorID: pair[1]}, asBob)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=dependency.add&limit=1", nil, asBob)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].ActorID)
	assert.Equal(t, "p1", page.Items[0].ProjectID)
	assert.Equal(t, "C", page.Items[0].Payload["successor_id"])
	require.NotEmpty(t, page.NextCursor)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=dependency.add&limit=1&cursor="+page.NextCursor, nil, asBob)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(body, &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, "B", next.Items[0].Payload["successor_id"])
	assert.Empty(t, next.NextCursor)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, asBob)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestDevLoginIssuesBearerToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "carol"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, WhoAmIResponse{ActorID: "carol", Source: "jwt"}, me)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", DevLoginRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var doc struct {
		Paths      map[string]any `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Contains(t, doc.Paths, "/v0/projects/{project_id}/forecast")
	assert.Contains(t, doc.Paths, "/v0/dependencies")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKeyAuth")
}
