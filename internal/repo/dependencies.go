package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"

	"forecastline/internal/domain"
)

const dependencyColumns = `d.id,d.predecessor_id,d.successor_id,d.type,d.created_at`

func (r Repo) listDependencies(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.ObjectiveDependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM objective_dependencies d`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY d.predecessor_id, d.successor_id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ObjectiveDependency
	for rows.Next() {
		var (
			d       domain.ObjectiveDependency
			created string
		)
		if err := rows.Scan(&d.ID, &d.PredecessorID, &d.SuccessorID, &d.Type, &created); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListDependenciesTx reads every edge inside tx; the cycle check runs on it.
func (r Repo) ListDependenciesTx(ctx context.Context, tx *sql.Tx) ([]domain.ObjectiveDependency, error) {
	return r.listDependencies(ctx, tx, "")
}

// ListDependenciesForProject returns edges with at least one endpoint in
// the project.
func (r Repo) ListDependenciesForProject(ctx context.Context, projectID string) ([]domain.ObjectiveDependency, error) {
	return r.listDependencies(ctx, nil,
		`d.predecessor_id IN (SELECT id FROM objectives WHERE project_id=?) OR d.successor_id IN (SELECT id FROM objectives WHERE project_id=?)`,
		projectID, projectID)
}

func (r Repo) ListDependenciesForObjective(ctx context.Context, objectiveID string) ([]domain.ObjectiveDependency, error) {
	return r.listDependencies(ctx, nil, `d.predecessor_id=? OR d.successor_id=?`, objectiveID, objectiveID)
}

func (r Repo) GetDependencyTx(ctx context.Context, tx *sql.Tx, id string) (domain.ObjectiveDependency, error) {
	deps, err := r.listDependencies(ctx, tx, `d.id=?`, id)
	if err != nil {
		return domain.ObjectiveDependency{}, err
	}
	if len(deps) == 0 {
		return domain.ObjectiveDependency{}, domain.NotFoundf("dependency %s", id)
	}
	return deps[0], nil
}

// InsertDependency maps a violated unique pair to ErrDuplicateEdge.
func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.ObjectiveDependency) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO objective_dependencies(id,predecessor_id,successor_id,type,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.PredecessorID, d.SuccessorID, d.Type, formatTS(d.CreatedAt))
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s -> %s: %w", d.PredecessorID, d.SuccessorID, domain.ErrDuplicateEdge)
	}
	return err
}

func (r Repo) DeleteDependency(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM objective_dependencies WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("dependency %s", id)
	}
	return nil
}

// sqliteConstraintUnique and sqliteConstraintPrimaryKey are the extended
// result codes for constraint violations.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// IsUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintUnique || se.Code() == sqliteConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
