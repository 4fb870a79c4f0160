// Package repo is the SQLite implementation of the store capabilities used
// by the forecasting engine.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"forecastline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is domain.ErrNotFound so callers can test either.
var ErrNotFound = domain.ErrNotFound

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf(format, args...)
	}
	return err
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`,
		t.ID, nullable(t.Name), formatTS(t.CreatedAt))
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	return r.GetTeamTx(ctx, nil, id)
}

func (r Repo) GetTeamTx(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	var (
		t       domain.Team
		created string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &created)
	if err != nil {
		return domain.Team{}, notFound(err, "team %s", id)
	}
	t.CreatedAt, err = parseTS(created)
	return t, err
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM teams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var (
			t       domain.Team
			created string
		)
		if err := rows.Scan(&t.ID, &t.Name, &created); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`,
		p.ID, nullable(p.Name), formatTS(p.CreatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var (
		p       domain.Project
		created string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &created)
	if err != nil {
		return domain.Project{}, notFound(err, "project %s", id)
	}
	p.CreatedAt, err = parseTS(created)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var (
			p       domain.Project
			created string
		)
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const objectiveColumns = `id,project_id,parent_objective_id,COALESCE(title,''),tier,target_date,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObjective(row rowScanner) (domain.Objective, error) {
	var (
		o       domain.Objective
		parent  sql.NullString
		target  sql.NullString
		created string
	)
	if err := row.Scan(&o.ID, &o.ProjectID, &parent, &o.Title, &o.Tier, &target, &created); err != nil {
		return domain.Objective{}, err
	}
	if parent.Valid {
		o.ParentObjectiveID = &parent.String
	}
	if target.Valid {
		d, err := parseDate(target.String)
		if err != nil {
			return domain.Objective{}, err
		}
		o.TargetDate = &d
	}
	var err error
	o.CreatedAt, err = parseTS(created)
	return o, err
}

func (r Repo) InsertObjective(ctx context.Context, tx *sql.Tx, o domain.Objective) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO objectives(id,project_id,parent_objective_id,title,tier,target_date,created_at) VALUES (?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, nullableStringPtr(o.ParentObjectiveID), nullable(o.Title), o.Tier, nullableDate(o.TargetDate), formatTS(o.CreatedAt))
	return err
}

func (r Repo) GetObjective(ctx context.Context, id string) (domain.Objective, error) {
	return r.GetObjectiveTx(ctx, nil, id)
}

func (r Repo) GetObjectiveTx(ctx context.Context, tx *sql.Tx, id string) (domain.Objective, error) {
	o, err := scanObjective(r.q(tx).QueryRowContext(ctx, `SELECT `+objectiveColumns+` FROM objectives WHERE id=?`, id))
	if err != nil {
		return domain.Objective{}, notFound(err, "objective %s", id)
	}
	return o, nil
}

func (r Repo) ListObjectivesForProject(ctx context.Context, projectID string) ([]domain.Objective, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+objectiveColumns+` FROM objectives WHERE project_id=? ORDER BY tier, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) AssignTeam(ctx context.Context, tx *sql.Tx, objectiveID, teamID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO objective_teams(objective_id,team_id) VALUES (?,?) ON CONFLICT DO NOTHING`, objectiveID, teamID)
	return err
}

func (r Repo) UnassignTeam(ctx context.Context, tx *sql.Tx, objectiveID, teamID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM objective_teams WHERE objective_id=? AND team_id=?`, objectiveID, teamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("team %s on objective %s", teamID, objectiveID)
	}
	return nil
}

func (r Repo) ListTeamsForObjective(ctx context.Context, objectiveID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id FROM objective_teams WHERE objective_id=? ORDER BY team_id`, objectiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) InsertRefinementSession(ctx context.Context, tx *sql.Tx, s domain.RefinementSession) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO refinement_sessions(id,objective_id,started_at) VALUES (?,?,?)`,
		s.ID, s.ObjectiveID, formatTS(s.StartedAt))
	return err
}

func (r Repo) ListRefinementSessions(ctx context.Context, objectiveID string) ([]domain.RefinementSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,objective_id,started_at FROM refinement_sessions WHERE objective_id=? ORDER BY started_at, id`, objectiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RefinementSession
	for rows.Next() {
		var (
			s       domain.RefinementSession
			started string
		)
		if err := rows.Scan(&s.ID, &s.ObjectiveID, &started); err != nil {
			return nil, err
		}
		if s.StartedAt, err = parseTS(started); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ObjectiveHasReleaseActivity reports whether refinement has started.
func (r Repo) ObjectiveHasReleaseActivity(ctx context.Context, objectiveID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM refinement_sessions WHERE objective_id=?)`, objectiveID).Scan(&n)
	return n == 1, err
}

// LatestActivityStart is the latest refinement start among the project's
// objectives, nil when none started.
func (r Repo) LatestActivityStart(ctx context.Context, projectID string) (*time.Time, error) {
	var latest sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(s.started_at) FROM refinement_sessions s JOIN objectives o ON o.id = s.objective_id WHERE o.project_id=?`, projectID).
		Scan(&latest)
	if err != nil || !latest.Valid {
		return nil, err
	}
	t, err := parseTS(latest.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
