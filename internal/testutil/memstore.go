// Package testutil provides an in-memory store that satisfies the forecast
// and dependency graph store interfaces.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"forecastline/internal/depgraph"
	"forecastline/internal/domain"
)

type Store struct {
	mu             sync.RWMutex
	teams          map[string]domain.Team
	throughput     map[string][]domain.WeeklyThroughput
	items          map[string]domain.WorkItem
	projects       map[string]domain.Project
	objectives     map[string]domain.Objective
	objectiveTeams map[string][]string
	sessions       map[string][]domain.RefinementSession
	deps           map[string]domain.ObjectiveDependency
	seq            int
}

func NewStore() *Store {
	return &Store{
		teams:          map[string]domain.Team{},
		throughput:     map[string][]domain.WeeklyThroughput{},
		items:          map[string]domain.WorkItem{},
		projects:       map[string]domain.Project{},
		objectives:     map[string]domain.Objective{},
		objectiveTeams: map[string][]string{},
		sessions:       map[string][]domain.RefinementSession{},
		deps:           map[string]domain.ObjectiveDependency{},
	}
}

func (s *Store) AddTeam(id string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[id] = domain.Team{ID: id, Name: id}
	return s
}

// AddWeeks records consecutive weekly counts, oldest first, starting at the
// week containing start.
func (s *Store) AddWeeks(teamID string, start time.Time, counts ...int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	week := domain.WeekStart(start)
	for _, n := range counts {
		s.throughput[teamID] = append(s.throughput[teamID], domain.WeeklyThroughput{
			TeamID: teamID, WeekStart: week, ItemsCompleted: n,
		})
		week = week.AddDate(0, 0, 7)
	}
	return s
}

func (s *Store) AddItem(it domain.WorkItem) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		s.seq++
		it.ID = fmt.Sprintf("item-%03d", s.seq)
	}
	if it.Status == "" {
		it.Status = domain.StatusBacklog
	}
	s.items[it.ID] = it
	return s
}

// AddItems queues n items in bucket with ranks 1..n.
func (s *Store) AddItems(teamID string, bucket domain.PriorityBucket, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-%s-%d", teamID, bucket, i)
		s.AddItem(domain.WorkItem{ID: id, TeamID: teamID, PriorityBucket: bucket, StackRank: i, Status: domain.StatusReady})
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) AddProject(id string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = domain.Project{ID: id, Name: id}
	return s
}

func (s *Store) AddObjective(o domain.Objective) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objectives[o.ID] = o
	return s
}

func (s *Store) AssignTeams(objectiveID string, teamIDs ...string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objectiveTeams[objectiveID] = append(s.objectiveTeams[objectiveID], teamIDs...)
	return s
}

func (s *Store) StartRefinement(objectiveID string, at time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[objectiveID] = append(s.sessions[objectiveID], domain.RefinementSession{
		ID: fmt.Sprintf("session-%s-%d", objectiveID, len(s.sessions[objectiveID])+1), ObjectiveID: objectiveID, StartedAt: at,
	})
	return s
}

func (s *Store) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return domain.Team{}, domain.NotFoundf("team %s", id)
	}
	return t, nil
}

func (s *Store) ListTeams(ctx context.Context) ([]domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetWeeklyThroughput(ctx context.Context, teamID string) ([]domain.WeeklyThroughput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.WeeklyThroughput(nil), s.throughput[teamID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out, nil
}

func (s *Store) GetOpenWorkItems(ctx context.Context, teamID string) ([]domain.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorkItem
	for _, it := range s.items {
		if it.TeamID == teamID && it.Status != domain.StatusDone {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, domain.NotFoundf("project %s", id)
	}
	return p, nil
}

func (s *Store) GetObjective(ctx context.Context, id string) (domain.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objectives[id]
	if !ok {
		return domain.Objective{}, domain.NotFoundf("objective %s", id)
	}
	return o, nil
}

func (s *Store) ListObjectivesForProject(ctx context.Context, projectID string) ([]domain.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Objective
	for _, o := range s.objectives {
		if o.ProjectID == projectID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTeamsForObjective(ctx context.Context, objectiveID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.objectiveTeams[objectiveID]...), nil
}

func (s *Store) LatestActivityStart(ctx context.Context, projectID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for id, sessions := range s.sessions {
		if s.objectives[id].ProjectID != projectID {
			continue
		}
		for _, rs := range sessions {
			if latest == nil || rs.StartedAt.After(*latest) {
				at := rs.StartedAt
				latest = &at
			}
		}
	}
	return latest, nil
}

func (s *Store) ObjectiveHasReleaseActivity(ctx context.Context, objectiveID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[objectiveID]) > 0, nil
}

func (s *Store) ListDependenciesForProject(ctx context.Context, projectID string) ([]domain.ObjectiveDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterDeps(func(d domain.ObjectiveDependency) bool {
		return s.objectives[d.PredecessorID].ProjectID == projectID || s.objectives[d.SuccessorID].ProjectID == projectID
	}), nil
}

func (s *Store) ListDependenciesForObjective(ctx context.Context, objectiveID string) ([]domain.ObjectiveDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterDeps(func(d domain.ObjectiveDependency) bool {
		return d.PredecessorID == objectiveID || d.SuccessorID == objectiveID
	}), nil
}

func (s *Store) filterDeps(keep func(domain.ObjectiveDependency) bool) []domain.ObjectiveDependency {
	var out []domain.ObjectiveDependency
	for _, d := range s.deps {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InsertDependency holds the write lock across check and insert, which is
// what the SQL store gets from its write transaction.
func (s *Store) InsertDependency(ctx context.Context, dep domain.ObjectiveDependency, check depgraph.CheckFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.filterDeps(func(domain.ObjectiveDependency) bool { return true })
	if check != nil {
		if err := check(existing); err != nil {
			return err
		}
	}
	for _, d := range existing {
		if d.PredecessorID == dep.PredecessorID && d.SuccessorID == dep.SuccessorID {
			return fmt.Errorf("%s -> %s: %w", dep.PredecessorID, dep.SuccessorID, domain.ErrDuplicateEdge)
		}
	}
	s.deps[dep.ID] = dep
	return nil
}

func (s *Store) DeleteDependency(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deps[id]; !ok {
		return domain.NotFoundf("dependency %s", id)
	}
	delete(s.deps, id)
	return nil
}
