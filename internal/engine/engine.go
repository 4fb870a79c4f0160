package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"forecastline/internal/config"
	"forecastline/internal/depgraph"
	"forecastline/internal/domain"
	"forecastline/internal/engine/auth"
	"forecastline/internal/events"
	"forecastline/internal/forecast"
	"forecastline/internal/logging"
	"forecastline/internal/repo"
	"forecastline/internal/telemetry"
)

// Engine exposes the forecasting contracts over the SQLite store. Reads go
// straight to the components; mutations run in a transaction that also
// appends an event.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Log     *slog.Logger
	Metrics *telemetry.Recorder
	Keys    auth.Service

	graph    *depgraph.Service
	rates    *forecast.ThroughputCalculator
	queues   *forecast.QueueAnalyzer
	leadTime *forecast.LeadTimeForecaster
	projects *forecast.ProjectForecaster
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Log:     logging.Discard(),
		Metrics: telemetry.NewRecorder(),
	}
	e.Events = events.Writer{Now: e.now}
	e.Keys = auth.Service{Repo: e.Repo, Now: e.now}

	e.graph = depgraph.NewService(graphStore{Repo: e.Repo, e: e})
	e.graph.Now = func() time.Time { return e.now().UTC() }
	e.rates = forecast.NewThroughputCalculator(e.Repo)
	e.rates.MaxParallel = cfg.Forecast.MaxParallel
	e.queues = forecast.NewQueueAnalyzer(e.Repo)
	e.leadTime = forecast.NewLeadTimeForecaster(e.rates, e.queues)
	e.leadTime.Window = cfg.Forecast.WindowWeeks
	e.leadTime.Now = e.now
	e.leadTime.Location = cfg.Location()
	e.projects = forecast.NewProjectForecaster(e.Repo, e.graph, e.leadTime)
	e.projects.MaxParallel = cfg.Forecast.MaxParallel
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Today is the current date in the configured timezone.
func (e *Engine) Today() time.Time {
	return e.leadTime.Today()
}

// Window returns w, or the configured default when w is zero.
func (e *Engine) Window(w int) int {
	if w == 0 {
		return e.Config.Forecast.WindowWeeks
	}
	return w
}

func (e *Engine) Rate(ctx context.Context, teamID string, window int) (rate domain.TeamRate, err error) {
	ctx, done := e.Metrics.Start(ctx, "rate", attribute.String("team_id", teamID), attribute.Int("window_weeks", window))
	defer func() { done(err) }()
	return e.rates.Rate(ctx, teamID, window)
}

func (e *Engine) AllTeamsRate(ctx context.Context, window int) (rates map[string]domain.TeamRate, err error) {
	ctx, done := e.Metrics.Start(ctx, "all_teams_rate", attribute.Int("window_weeks", window))
	defer func() { done(err) }()
	return e.rates.AllTeamsRate(ctx, window)
}

// Queue returns the public summary of a team's queue.
func (e *Engine) Queue(ctx context.Context, teamID string) (summary domain.QueueSummary, err error) {
	ctx, done := e.Metrics.Start(ctx, "queue", attribute.String("team_id", teamID))
	defer func() { done(err) }()
	q, err := e.queues.Queue(ctx, teamID)
	if err != nil {
		return domain.QueueSummary{}, err
	}
	return q.Summary(), nil
}

func (e *Engine) ForecastItem(ctx context.Context, itemID, teamID string) (fc domain.ItemForecast, err error) {
	ctx, done := e.Metrics.Start(ctx, "forecast_item", attribute.String("team_id", teamID), attribute.String("item_id", itemID))
	defer func() { done(err) }()
	return e.leadTime.ForecastItem(ctx, itemID, teamID)
}

func (e *Engine) ForecastBacklog(ctx context.Context, teamID string) (fcs []domain.ItemForecast, err error) {
	ctx, done := e.Metrics.Start(ctx, "forecast_backlog", attribute.String("team_id", teamID))
	defer func() { done(err) }()
	return e.leadTime.ForecastBacklog(ctx, teamID)
}

func (e *Engine) TeamLoad(ctx context.Context, teamID string) (load domain.TeamLoad, err error) {
	ctx, done := e.Metrics.Start(ctx, "team_load", attribute.String("team_id", teamID))
	defer func() { done(err) }()
	return e.leadTime.TeamLoad(ctx, teamID)
}

func (e *Engine) ForecastProject(ctx context.Context, projectID string) (pf domain.ProjectForecast, err error) {
	ctx, done := e.Metrics.Start(ctx, "forecast_project", attribute.String("project_id", projectID))
	defer func() { done(err) }()
	pf, err = e.projects.ForecastProject(ctx, projectID)
	if err == nil && pf.Confidence == domain.ConfidencePartial {
		e.Log.InfoContext(ctx, "partial project forecast", "project_id", projectID, "unestimable", pf.UnestimableObjectives)
	}
	return pf, err
}

func (e *Engine) AddDependency(ctx context.Context, predecessorID, successorID string, typ domain.DependencyType) (dep domain.ObjectiveDependency, err error) {
	ctx, done := e.Metrics.Start(ctx, "add_dependency", attribute.String("predecessor_id", predecessorID), attribute.String("successor_id", successorID))
	defer func() { done(err) }()
	dep, err = e.graph.AddEdge(ctx, predecessorID, successorID, typ)
	if depgraph.IsRejection(err) {
		reason := "duplicate"
		if isCycle(err) {
			reason = "cycle"
		}
		e.Metrics.Rejection(ctx, reason)
		e.Log.InfoContext(ctx, "dependency rejected", "predecessor_id", predecessorID, "successor_id", successorID, "reason", reason)
		return dep, err
	}
	if err == nil {
		e.Log.DebugContext(ctx, "dependency added", "dependency_id", dep.ID, "type", dep.Type)
	}
	return dep, err
}

func (e *Engine) RemoveDependency(ctx context.Context, id string) (err error) {
	ctx, done := e.Metrics.Start(ctx, "remove_dependency", attribute.String("dependency_id", id))
	defer func() { done(err) }()
	return e.graph.RemoveEdge(ctx, id)
}

func (e *Engine) Dependencies(ctx context.Context, objectiveID string) ([]domain.ObjectiveDependency, error) {
	return e.graph.Dependencies(ctx, objectiveID)
}

func (e *Engine) ProjectDependencies(ctx context.Context, projectID string) ([]domain.ObjectiveDependency, error) {
	return e.graph.ProjectDependencies(ctx, projectID)
}

func (e *Engine) CanRelease(ctx context.Context, objectiveID string) (st domain.ReleaseStatus, err error) {
	ctx, done := e.Metrics.Start(ctx, "can_release", attribute.String("objective_id", objectiveID))
	defer func() { done(err) }()
	return e.graph.CanRelease(ctx, objectiveID)
}

func (e *Engine) Releasable(ctx context.Context, projectID string) (sts []domain.ReleaseStatus, err error) {
	ctx, done := e.Metrics.Start(ctx, "releasable", attribute.String("project_id", projectID))
	defer func() { done(err) }()
	return e.graph.Releasable(ctx, projectID)
}

// ObjectiveDetail is an objective with its assigned teams and refinement
// history, oldest session first.
type ObjectiveDetail struct {
	Objective          domain.Objective           `json:"objective"`
	Teams              []string                   `json:"teams"`
	RefinementSessions []domain.RefinementSession `json:"refinement_sessions"`
}

func (e *Engine) DescribeObjective(ctx context.Context, id string) (ObjectiveDetail, error) {
	o, err := e.Repo.GetObjective(ctx, id)
	if err != nil {
		return ObjectiveDetail{}, err
	}
	teams, err := e.Repo.ListTeamsForObjective(ctx, id)
	if err != nil {
		return ObjectiveDetail{}, err
	}
	sessions, err := e.Repo.ListRefinementSessions(ctx, id)
	if err != nil {
		return ObjectiveDetail{}, err
	}
	if teams == nil {
		teams = []string{}
	}
	if sessions == nil {
		sessions = []domain.RefinementSession{}
	}
	return ObjectiveDetail{Objective: o, Teams: teams, RefinementSessions: sessions}, nil
}

func isCycle(err error) bool {
	return errors.Is(err, domain.ErrCycleDetected)
}
