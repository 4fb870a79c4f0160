package depgraph

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forecastline/internal/domain"
)

// CheckFunc validates a new edge against the full set of edges read inside
// the inserting transaction. A non-nil error aborts the insert.
type CheckFunc func(existing []domain.ObjectiveDependency) error

// Store is the persistence capability the graph needs. InsertDependency must
// read the existing edges, call check and insert dep atomically.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetObjective(ctx context.Context, id string) (domain.Objective, error)
	ListObjectivesForProject(ctx context.Context, projectID string) ([]domain.Objective, error)
	ObjectiveHasReleaseActivity(ctx context.Context, objectiveID string) (bool, error)
	ListDependenciesForProject(ctx context.Context, projectID string) ([]domain.ObjectiveDependency, error)
	ListDependenciesForObjective(ctx context.Context, objectiveID string) ([]domain.ObjectiveDependency, error)
	InsertDependency(ctx context.Context, dep domain.ObjectiveDependency, check CheckFunc) error
	DeleteDependency(ctx context.Context, id string) error
}

// Service serializes graph mutations for this process and answers release
// queries. Storage-level atomicity is the Store's job.
type Service struct {
	store Store
	mu    sync.Mutex
	Now   func() time.Time
	NewID func() string
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() string { return uuid.NewString() },
	}
}

func (s *Service) AddEdge(ctx context.Context, predecessorID, successorID string, typ domain.DependencyType) (domain.ObjectiveDependency, error) {
	predecessorID = strings.TrimSpace(predecessorID)
	successorID = strings.TrimSpace(successorID)
	if predecessorID == "" || successorID == "" {
		return domain.ObjectiveDependency{}, domain.InvalidParameterf("predecessor and successor ids are required")
	}
	if typ == "" {
		typ = domain.FinishToStart
	}
	if !typ.Valid() {
		return domain.ObjectiveDependency{}, domain.InvalidParameterf("dependency type %q", typ)
	}
	for _, id := range []string{predecessorID, successorID} {
		if _, err := s.store.GetObjective(ctx, id); err != nil {
			return domain.ObjectiveDependency{}, err
		}
	}

	dep := domain.ObjectiveDependency{
		ID:            s.NewID(),
		PredecessorID: predecessorID,
		SuccessorID:   successorID,
		Type:          typ,
		CreatedAt:     s.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.InsertDependency(ctx, dep, func(existing []domain.ObjectiveDependency) error {
		g, err := Build(existing)
		if err != nil {
			return err
		}
		return g.CheckEdge(predecessorID, successorID)
	})
	if err != nil {
		return domain.ObjectiveDependency{}, err
	}
	return dep, nil
}

// RemoveEdge deletes a dependency by id.
func (s *Service) RemoveEdge(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.InvalidParameterf("dependency id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteDependency(ctx, id)
}

// Dependencies lists the edges touching an objective.
func (s *Service) Dependencies(ctx context.Context, objectiveID string) ([]domain.ObjectiveDependency, error) {
	if _, err := s.store.GetObjective(ctx, objectiveID); err != nil {
		return nil, err
	}
	deps, err := s.store.ListDependenciesForObjective(ctx, objectiveID)
	if err != nil {
		return nil, err
	}
	sortEdges(deps)
	return deps, nil
}

// ProjectDependencies lists the edges touching any objective of the project.
func (s *Service) ProjectDependencies(ctx context.Context, projectID string) ([]domain.ObjectiveDependency, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	deps, err := s.store.ListDependenciesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sortEdges(deps)
	return deps, nil
}

// CanRelease reports whether every finish-to-start predecessor of the
// objective has release activity. Other dependency types never block.
func (s *Service) CanRelease(ctx context.Context, objectiveID string) (domain.ReleaseStatus, error) {
	if _, err := s.store.GetObjective(ctx, objectiveID); err != nil {
		return domain.ReleaseStatus{}, err
	}
	deps, err := s.store.ListDependenciesForObjective(ctx, objectiveID)
	if err != nil {
		return domain.ReleaseStatus{}, err
	}
	return s.releaseStatus(ctx, objectiveID, deps, map[string]bool{})
}

// Releasable returns the release status of every objective in a project,
// ordered by objective id.
func (s *Service) Releasable(ctx context.Context, projectID string) ([]domain.ReleaseStatus, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	objectives, err := s.store.ListObjectivesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	deps, err := s.store.ListDependenciesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sort.Slice(objectives, func(i, j int) bool { return objectives[i].ID < objectives[j].ID })
	active := map[string]bool{}
	out := make([]domain.ReleaseStatus, 0, len(objectives))
	for _, o := range objectives {
		st, err := s.releaseStatus(ctx, o.ID, deps, active)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) releaseStatus(ctx context.Context, objectiveID string, deps []domain.ObjectiveDependency, active map[string]bool) (domain.ReleaseStatus, error) {
	st := domain.ReleaseStatus{ObjectiveID: objectiveID, BlockingPredecessors: []string{}}
	seen := map[string]bool{}
	for _, d := range deps {
		if d.SuccessorID != objectiveID || d.Type != domain.FinishToStart || seen[d.PredecessorID] {
			continue
		}
		seen[d.PredecessorID] = true
		ok, cached := active[d.PredecessorID]
		if !cached {
			var err error
			ok, err = s.store.ObjectiveHasReleaseActivity(ctx, d.PredecessorID)
			if err != nil {
				return domain.ReleaseStatus{}, err
			}
			active[d.PredecessorID] = ok
		}
		if !ok {
			st.BlockingPredecessors = append(st.BlockingPredecessors, d.PredecessorID)
		}
	}
	sort.Strings(st.BlockingPredecessors)
	st.CanRelease = len(st.BlockingPredecessors) == 0
	return st, nil
}

// ProjectGraph returns the dependency graph restricted to the project's
// objectives. Every objective is a node, with or without edges.
func (s *Service) ProjectGraph(ctx context.Context, projectID string) (*Graph, error) {
	objectives, err := s.store.ListObjectivesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	deps, err := s.store.ListDependenciesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	full, err := Build(deps)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(objectives))
	for _, o := range objectives {
		ids = append(ids, o.ID)
	}
	return full.Subgraph(ids), nil
}

// IsRejection reports whether err is one of the graph's own refusals rather
// than a storage failure.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrCycleDetected) || errors.Is(err, domain.ErrDuplicateEdge)
}
