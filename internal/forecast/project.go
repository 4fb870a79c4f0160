package forecast

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forecastline/internal/depgraph"
	"forecastline/internal/domain"
)

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListObjectivesForProject(ctx context.Context, projectID string) ([]domain.Objective, error)
	ListTeamsForObjective(ctx context.Context, objectiveID string) ([]string, error)
	// LatestActivityStart is the most recent refinement start among the
	// project's objectives, nil when there is none.
	LatestActivityStart(ctx context.Context, projectID string) (*time.Time, error)
}

type GraphSource interface {
	ProjectGraph(ctx context.Context, projectID string) (*depgraph.Graph, error)
}

type ProjectForecaster struct {
	store    ProjectStore
	graph    GraphSource
	leadTime *LeadTimeForecaster

	MaxParallel int
}

func NewProjectForecaster(store ProjectStore, graph GraphSource, leadTime *LeadTimeForecaster) *ProjectForecaster {
	return &ProjectForecaster{store: store, graph: graph, leadTime: leadTime, MaxParallel: 4}
}

type objectivePlan struct {
	obj   domain.Objective
	kind  domain.ObjectiveKind
	teams []string
}

// ForecastProject walks the project's finish-to-start graph and returns the
// longest chain of objective durations. Objectives whose duration cannot be
// estimated count as zero; the result is then a lower bound marked partial.
func (p *ProjectForecaster) ForecastProject(ctx context.Context, projectID string) (domain.ProjectForecast, error) {
	if _, err := p.store.GetProject(ctx, projectID); err != nil {
		return domain.ProjectForecast{}, err
	}
	objectives, err := p.store.ListObjectivesForProject(ctx, projectID)
	if err != nil {
		return domain.ProjectForecast{}, err
	}
	plans, err := p.plan(ctx, objectives)
	if err != nil {
		return domain.ProjectForecast{}, err
	}
	loads, err := p.teamLoads(ctx, plans)
	if err != nil {
		return domain.ProjectForecast{}, err
	}
	g, err := p.graph.ProjectGraph(ctx, projectID)
	if err != nil {
		return domain.ProjectForecast{}, err
	}
	for id := range plans {
		g.AddNode(id)
	}
	order, err := g.TopologicalOrder(domain.FinishToStart)
	if err != nil {
		return domain.ProjectForecast{}, err
	}
	anchor, err := p.anchor(ctx, projectID)
	if err != nil {
		return domain.ProjectForecast{}, err
	}

	var (
		start    = map[string]float64{}
		finish   = map[string]float64{}
		via      = map[string]string{}
		links    = map[string]int{}
		tainted  = map[string]bool{}
		results  = map[string]*domain.ObjectiveForecast{}
		endID    string
		longest  float64
		limited  bool
		unknowns = []string{}
	)
	for _, id := range order {
		plan, ok := plans[id]
		if !ok {
			continue
		}
		fc := objectiveForecast(plan, loads)
		// Ties on finish go to the longer chain so zero-duration
		// predecessors stay on the path.
		for _, d := range g.Predecessors(id, domain.FinishToStart) {
			pred := d.PredecessorID
			if _, ok := plans[pred]; !ok {
				continue
			}
			if cur, ok := via[id]; !ok || finish[pred] > start[id] ||
				(finish[pred] == start[id] && links[pred] > links[cur]) {
				start[id] = finish[pred]
				via[id] = pred
				links[id] = links[pred] + 1
			}
			if tainted[d.PredecessorID] {
				tainted[id] = true
			}
		}
		dur := 0.0
		if fc.DurationWeeks == nil {
			tainted[id] = true
			unknowns = append(unknowns, id)
		} else {
			dur = *fc.DurationWeeks
		}
		finish[id] = start[id] + dur
		fc.StartWeeks = start[id]
		fc.FinishWeeks = finish[id]

		switch {
		case fc.DurationWeeks == nil:
			fc.Confidence = domain.ConfidenceInsufficient
		case tainted[id]:
			fc.Confidence = domain.ConfidencePartial
		default:
			date := domain.AddWeeks(anchor, finish[id])
			fc.EstimatedDate = &date
			if fc.TargetDate != nil && date.Format(domain.DateLayout) > fc.TargetDate.Format(domain.DateLayout) {
				fc.AtRisk = true
			}
		}
		if fc.Confidence == domain.ConfidenceLimited {
			limited = true
		}
		if endID == "" || finish[id] > longest ||
			(finish[id] == longest && links[id] > links[endID]) {
			longest = finish[id]
			endID = id
		}
		results[id] = &fc
	}

	path := []string{}
	for cur := endID; cur != ""; cur = via[cur] {
		path = append([]string{cur}, path...)
		results[cur].OnCriticalPath = true
	}

	out := domain.ProjectForecast{
		ProjectID:               projectID,
		ObjectiveForecasts:      make([]domain.ObjectiveForecast, 0, len(results)),
		CriticalPath:            path,
		CriticalPathWeeks:       longest,
		Anchor:                  anchor,
		EstimatedCompletionDate: domain.AddWeeks(anchor, longest),
		UnestimableObjectives:   unknowns,
		Confidence:              domain.ConfidenceFull,
	}
	for _, id := range order {
		if fc, ok := results[id]; ok {
			out.ObjectiveForecasts = append(out.ObjectiveForecasts, *fc)
		}
	}
	sort.Strings(out.UnestimableObjectives)
	switch {
	case len(unknowns) > 0:
		out.Confidence = domain.ConfidencePartial
	case limited:
		out.Confidence = domain.ConfidenceLimited
	}
	return out, nil
}

// plan classifies objectives: anything with a child in the project is a
// container, leaves are work when teams are assigned.
func (p *ProjectForecaster) plan(ctx context.Context, objectives []domain.Objective) (map[string]objectivePlan, error) {
	parents := map[string]bool{}
	for _, o := range objectives {
		if o.ParentObjectiveID != nil {
			parents[*o.ParentObjectiveID] = true
		}
	}
	plans := make(map[string]objectivePlan, len(objectives))
	for _, o := range objectives {
		pl := objectivePlan{obj: o, kind: domain.ObjectiveContainer}
		if !parents[o.ID] {
			teams, err := p.store.ListTeamsForObjective(ctx, o.ID)
			if err != nil {
				return nil, err
			}
			sort.Strings(teams)
			pl.teams = teams
			pl.kind = domain.ObjectiveWork
			if len(teams) == 0 {
				pl.kind = domain.ObjectiveUnassigned
			}
		}
		plans[o.ID] = pl
	}
	return plans, nil
}

// teamLoads fetches each referenced team's load once.
func (p *ProjectForecaster) teamLoads(ctx context.Context, plans map[string]objectivePlan) (map[string]domain.TeamLoad, error) {
	seen := map[string]bool{}
	var teams []string
	for _, pl := range plans {
		for _, t := range pl.teams {
			if !seen[t] {
				seen[t] = true
				teams = append(teams, t)
			}
		}
	}
	var mu sync.Mutex
	loads := make(map[string]domain.TeamLoad, len(teams))
	g, gctx := errgroup.WithContext(ctx)
	if p.MaxParallel > 0 {
		g.SetLimit(p.MaxParallel)
	}
	for _, t := range teams {
		g.Go(func() error {
			load, err := p.leadTime.TeamLoad(gctx, t)
			if err != nil {
				return err
			}
			mu.Lock()
			loads[t] = load
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return loads, nil
}

// anchor is the later of today and the latest refinement start. Team lead
// times are measured from today's queue, so a start in the past cannot pull
// the completion date backwards.
func (p *ProjectForecaster) anchor(ctx context.Context, projectID string) (time.Time, error) {
	today := p.leadTime.Today()
	latest, err := p.store.LatestActivityStart(ctx, projectID)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return today, nil
	}
	day := domain.StartOfDay(latest.In(today.Location()))
	if day.After(today) {
		return day, nil
	}
	return today, nil
}

// objectiveForecast sets kind, teams and duration. The slowest team gates a
// work objective; one unestimable team makes the whole objective unestimable.
func objectiveForecast(plan objectivePlan, loads map[string]domain.TeamLoad) domain.ObjectiveForecast {
	fc := domain.ObjectiveForecast{
		ObjectiveID: plan.obj.ID,
		Kind:        plan.kind,
		Teams:       []domain.TeamLoad{},
		TargetDate:  plan.obj.TargetDate,
		Confidence:  domain.ConfidenceFull,
	}
	if plan.kind != domain.ObjectiveWork {
		zero := 0.0
		fc.DurationWeeks = &zero
		return fc
	}
	var (
		longest float64
		unknown bool
	)
	for _, t := range plan.teams {
		load := loads[t]
		fc.Teams = append(fc.Teams, load)
		if load.ImpliedLeadTimeWeeks == nil {
			unknown = true
			continue
		}
		if *load.ImpliedLeadTimeWeeks > longest {
			longest = *load.ImpliedLeadTimeWeeks
		}
		if load.Confidence == domain.ConfidenceLimited {
			fc.Confidence = domain.ConfidenceLimited
		}
	}
	if !unknown {
		fc.DurationWeeks = &longest
	}
	return fc
}
