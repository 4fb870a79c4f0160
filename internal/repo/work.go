package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"forecastline/internal/domain"
)

const workItemColumns = `id,team_id,COALESCE(title,''),priority_bucket,stack_rank,status,created_at,completed_at`

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var (
		it        domain.WorkItem
		created   string
		completed sql.NullString
	)
	if err := row.Scan(&it.ID, &it.TeamID, &it.Title, &it.PriorityBucket, &it.StackRank, &it.Status, &created, &completed); err != nil {
		return domain.WorkItem{}, err
	}
	var err error
	if it.CreatedAt, err = parseTS(created); err != nil {
		return domain.WorkItem{}, err
	}
	if completed.Valid {
		t, err := parseTS(completed.String)
		if err != nil {
			return domain.WorkItem{}, err
		}
		it.CompletedAt = &t
	}
	return it, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	var completed any
	if it.CompletedAt != nil {
		completed = formatTS(*it.CompletedAt)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_items(id,team_id,title,priority_bucket,stack_rank,status,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.TeamID, nullable(it.Title), it.PriorityBucket, it.StackRank, it.Status, formatTS(it.CreatedAt), completed)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	it, err := scanWorkItem(r.q(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
	if err != nil {
		return domain.WorkItem{}, notFound(err, "work item %s", id)
	}
	return it, nil
}

// UpdateWorkItemStatus sets status and completion time together so the
// completed_at-iff-Done check holds.
func (r Repo) UpdateWorkItemStatus(ctx context.Context, tx *sql.Tx, id string, status domain.WorkItemStatus, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = formatTS(*completedAt)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET status=?, completed_at=? WHERE id=?`, status, completed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("work item %s", id)
	}
	return nil
}

func (r Repo) UpdateWorkItemRank(ctx context.Context, tx *sql.Tx, id string, bucket domain.PriorityBucket, rank int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE work_items SET priority_bucket=?, stack_rank=? WHERE id=?`, bucket, rank, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("work item %s", id)
	}
	return nil
}

// NextStackRank returns one past the highest open rank in the bucket.
func (r Repo) NextStackRank(ctx context.Context, tx *sql.Tx, teamID string, bucket domain.PriorityBucket) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(stack_rank),0)+1 FROM work_items WHERE team_id=? AND priority_bucket=? AND status != 'Done'`, teamID, bucket).Scan(&n)
	return n, err
}

type WorkItemFilters struct {
	TeamID   string
	Statuses []domain.WorkItemStatus
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"team_id=?"}
	args := []any{f.TeamID}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority_bucket, stack_rank, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// GetOpenWorkItems returns every item of the team that is not Done.
func (r Repo) GetOpenWorkItems(ctx context.Context, teamID string) ([]domain.WorkItem, error) {
	return r.ListWorkItems(ctx, WorkItemFilters{
		TeamID:   teamID,
		Statuses: []domain.WorkItemStatus{domain.StatusBacklog, domain.StatusReady, domain.StatusInProgress, domain.StatusBlocked},
	})
}

// ListCompletionTimes returns completed_at of every Done item of the team.
func (r Repo) ListCompletionTimes(ctx context.Context, tx *sql.Tx, teamID string) ([]time.Time, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT completed_at FROM work_items WHERE team_id=? AND status='Done' AND completed_at IS NOT NULL ORDER BY completed_at`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		t, err := parseTS(s)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetWeeklyThroughput(ctx context.Context, teamID string) ([]domain.WeeklyThroughput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,week_start,items_completed FROM weekly_throughput WHERE team_id=? ORDER BY week_start`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WeeklyThroughput
	for rows.Next() {
		var (
			w    domain.WeeklyThroughput
			week string
		)
		if err := rows.Scan(&w.TeamID, &week, &w.ItemsCompleted); err != nil {
			return nil, err
		}
		if w.WeekStart, err = parseDate(week); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SetWeeklyThroughput replaces the count for one team week.
func (r Repo) SetWeeklyThroughput(ctx context.Context, tx *sql.Tx, w domain.WeeklyThroughput) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO weekly_throughput(team_id,week_start,items_completed) VALUES (?,?,?)
ON CONFLICT(team_id,week_start) DO UPDATE SET items_completed=excluded.items_completed`,
		w.TeamID, w.WeekStart.Format(domain.DateLayout), w.ItemsCompleted)
	return err
}

// IncrementWeeklyThroughput adds delta to the team week, creating it at zero.
func (r Repo) IncrementWeeklyThroughput(ctx context.Context, tx *sql.Tx, teamID string, week time.Time, delta int) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO weekly_throughput(team_id,week_start,items_completed) VALUES (?,?,MAX(?,0))
ON CONFLICT(team_id,week_start) DO UPDATE SET items_completed=MAX(items_completed+?,0)`,
		teamID, week.Format(domain.DateLayout), delta, delta)
	return err
}

func (r Repo) DeleteWeeklyThroughput(ctx context.Context, tx *sql.Tx, teamID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM weekly_throughput WHERE team_id=?`, teamID)
	return err
}
