package engine

import (
	"context"

	"forecastline/internal/depgraph"
	"forecastline/internal/domain"
	"forecastline/internal/events"
	"forecastline/internal/repo"
)

// graphStore backs the dependency graph with the repo. Inserts and deletes
// run in their own write transaction and append an event to it.
type graphStore struct {
	repo.Repo
	e *Engine
}

func (s graphStore) InsertDependency(ctx context.Context, dep domain.ObjectiveDependency, check depgraph.CheckFunc) error {
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.ListDependenciesTx(ctx, tx)
	if err != nil {
		return err
	}
	if err := check(existing); err != nil {
		return err
	}
	if err := s.Repo.InsertDependency(ctx, tx, dep); err != nil {
		return err
	}
	succ, err := s.GetObjectiveTx(ctx, tx, dep.SuccessorID)
	if err != nil {
		return err
	}
	if err := s.e.Events.Append(ctx, tx, events.DependencyAdd, succ.ProjectID, "dependency", dep.ID, events.Payload{
		"predecessor_id": dep.PredecessorID,
		"successor_id":   dep.SuccessorID,
		"type":           dep.Type,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s graphStore) DeleteDependency(ctx context.Context, id string) error {
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dep, err := s.GetDependencyTx(ctx, tx, id)
	if err != nil {
		return err
	}
	succ, err := s.GetObjectiveTx(ctx, tx, dep.SuccessorID)
	if err != nil {
		return err
	}
	if err := s.Repo.DeleteDependency(ctx, tx, id); err != nil {
		return err
	}
	if err := s.e.Events.Append(ctx, tx, events.DependencyRemove, succ.ProjectID, "dependency", id, events.Payload{
		"predecessor_id": dep.PredecessorID,
		"successor_id":   dep.SuccessorID,
		"type":           dep.Type,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
