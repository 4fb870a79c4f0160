package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forecastline/internal/domain"
	"forecastline/internal/events"
	"forecastline/internal/repo"
)

func newID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

func (e *Engine) CreateTeam(ctx context.Context, id, name string) (domain.Team, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Team{}, domain.InvalidParameterf("team id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	t := domain.Team{ID: id, Name: strings.TrimSpace(name), CreatedAt: e.now().UTC()}
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Team{}, domain.InvalidParameterf("team %s already exists", id)
		}
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TeamCreate, "", "team", t.ID, events.Payload{"name": t.Name}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	e.Log.DebugContext(ctx, "team created", "team_id", t.ID)
	return t, nil
}

// SetWeeklyThroughput overwrites the count for the week containing week.
func (e *Engine) SetWeeklyThroughput(ctx context.Context, teamID string, week time.Time, count int) (domain.WeeklyThroughput, error) {
	if count < 0 {
		return domain.WeeklyThroughput{}, domain.InvalidParameterf("items completed must be >= 0, got %d", count)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WeeklyThroughput{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, teamID); err != nil {
		return domain.WeeklyThroughput{}, err
	}
	w := domain.WeeklyThroughput{
		TeamID:         teamID,
		WeekStart:      domain.WeekStart(week.In(e.Config.Location())),
		ItemsCompleted: count,
	}
	if err := e.Repo.SetWeeklyThroughput(ctx, tx, w); err != nil {
		return domain.WeeklyThroughput{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ThroughputSet, "", "team", teamID, events.Payload{
		"week_start":      w.WeekStart.Format(domain.DateLayout),
		"items_completed": count,
	}); err != nil {
		return domain.WeeklyThroughput{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WeeklyThroughput{}, err
	}
	return w, nil
}

// RebuildThroughput recomputes a team's weekly rows from its completed items.
// Weeks between the first completion and the current week with no
// completions are stored as zero.
func (e *Engine) RebuildThroughput(ctx context.Context, teamID string) ([]domain.WeeklyThroughput, error) {
	loc := e.Config.Location()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, teamID); err != nil {
		return nil, err
	}
	times, err := e.Repo.ListCompletionTimes(ctx, tx, teamID)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteWeeklyThroughput(ctx, tx, teamID); err != nil {
		return nil, err
	}

	counts := map[time.Time]int{}
	var first time.Time
	for _, t := range times {
		wk := domain.WeekStart(t.In(loc))
		counts[wk]++
		if first.IsZero() || wk.Before(first) {
			first = wk
		}
	}
	var rows []domain.WeeklyThroughput
	if !first.IsZero() {
		current := domain.WeekStart(e.now().In(loc))
		for wk := first; !wk.After(current); wk = wk.AddDate(0, 0, 7) {
			rows = append(rows, domain.WeeklyThroughput{TeamID: teamID, WeekStart: wk, ItemsCompleted: counts[wk]})
		}
	}
	for _, w := range rows {
		if err := e.Repo.SetWeeklyThroughput(ctx, tx, w); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ThroughputRebuild, "", "team", teamID, events.Payload{
		"weeks":     len(rows),
		"completed": len(times),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Log.InfoContext(ctx, "throughput rebuilt", "team_id", teamID, "weeks", len(rows))
	return rows, nil
}

// WorkItemCreateOptions are parameters for creating a work item. A zero
// StackRank appends the item to the end of its bucket.
type WorkItemCreateOptions struct {
	ID        string
	TeamID    string
	Title     string
	Bucket    domain.PriorityBucket
	StackRank int
	Status    domain.WorkItemStatus
}

func (e *Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if opts.Bucket == "" {
		opts.Bucket = domain.P2
	}
	if opts.Status == "" {
		opts.Status = domain.StatusBacklog
	}
	if !opts.Bucket.Valid() {
		return domain.WorkItem{}, domain.InvalidParameterf("priority bucket %q", opts.Bucket)
	}
	if !opts.Status.Valid() {
		return domain.WorkItem{}, domain.InvalidParameterf("status %q", opts.Status)
	}
	if opts.StackRank < 0 {
		return domain.WorkItem{}, domain.InvalidParameterf("stack rank must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeamTx(ctx, tx, opts.TeamID); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.StackRank == 0 {
		if opts.StackRank, err = e.Repo.NextStackRank(ctx, tx, opts.TeamID, opts.Bucket); err != nil {
			return domain.WorkItem{}, err
		}
	}
	now := e.now().UTC()
	it := domain.WorkItem{
		ID:             newID(opts.ID),
		TeamID:         opts.TeamID,
		Title:          strings.TrimSpace(opts.Title),
		PriorityBucket: opts.Bucket,
		StackRank:      opts.StackRank,
		Status:         opts.Status,
		CreatedAt:      now,
	}
	if it.Status == domain.StatusDone {
		it.CompletedAt = &now
	}
	if err := e.Repo.InsertWorkItem(ctx, tx, it); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.WorkItem{}, domain.InvalidParameterf("work item %s or rank %s/%d already exists", it.ID, it.PriorityBucket, it.StackRank)
		}
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if it.CompletedAt != nil {
		if err := e.Repo.IncrementWeeklyThroughput(ctx, tx, it.TeamID, e.completionWeek(now), 1); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ItemCreate, "", "work_item", it.ID, events.Payload{
		"team_id":         it.TeamID,
		"priority_bucket": it.PriorityBucket,
		"stack_rank":      it.StackRank,
		"status":          it.Status,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

func (e *Engine) completionWeek(t time.Time) time.Time {
	return domain.WeekStart(t.In(e.Config.Location()))
}

// SetWorkItemStatus moves an item to status. Entering Done stamps the
// completion time and counts the item in that week's throughput; leaving
// Done takes it back out.
func (e *Engine) SetWorkItemStatus(ctx context.Context, id string, status domain.WorkItemStatus) (domain.WorkItem, error) {
	if !status.Valid() {
		return domain.WorkItem{}, domain.InvalidParameterf("status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Status == status {
		return it, nil
	}
	prev := it.Status
	switch {
	case status == domain.StatusDone:
		now := e.now().UTC()
		it.CompletedAt = &now
		if err := e.Repo.IncrementWeeklyThroughput(ctx, tx, it.TeamID, e.completionWeek(now), 1); err != nil {
			return domain.WorkItem{}, err
		}
	case prev == domain.StatusDone:
		if it.CompletedAt != nil {
			if err := e.Repo.IncrementWeeklyThroughput(ctx, tx, it.TeamID, e.completionWeek(*it.CompletedAt), -1); err != nil {
				return domain.WorkItem{}, err
			}
		}
		it.CompletedAt = nil
	}
	it.Status = status
	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, it.ID, it.Status, it.CompletedAt); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.WorkItem{}, domain.InvalidParameterf("rank %s/%d is taken by another open item; re-rank %s first", it.PriorityBucket, it.StackRank, it.ID)
		}
		return domain.WorkItem{}, err
	}
	evt := events.ItemStatus
	if status == domain.StatusDone {
		evt = events.ItemComplete
	}
	if err := e.Events.Append(ctx, tx, evt, "", "work_item", it.ID, events.Payload{
		"team_id": it.TeamID,
		"from":    prev,
		"to":      status,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

func (e *Engine) CompleteWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.SetWorkItemStatus(ctx, id, domain.StatusDone)
}

// RankWorkItem moves an open item to bucket at rank.
func (e *Engine) RankWorkItem(ctx context.Context, id string, bucket domain.PriorityBucket, rank int) (domain.WorkItem, error) {
	if !bucket.Valid() {
		return domain.WorkItem{}, domain.InvalidParameterf("priority bucket %q", bucket)
	}
	if rank <= 0 {
		return domain.WorkItem{}, domain.InvalidParameterf("stack rank must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Status == domain.StatusDone {
		return domain.WorkItem{}, domain.InvalidParameterf("work item %s is done", id)
	}
	if err := e.Repo.UpdateWorkItemRank(ctx, tx, id, bucket, rank); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.WorkItem{}, domain.InvalidParameterf("rank %s/%d already used in team %s", bucket, rank, it.TeamID)
		}
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemRank, "", "work_item", id, events.Payload{
		"team_id":         it.TeamID,
		"priority_bucket": bucket,
		"stack_rank":      rank,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	it.PriorityBucket, it.StackRank = bucket, rank
	return it, nil
}

func (e *Engine) CreateProject(ctx context.Context, id, name string) (domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, domain.InvalidParameterf("project id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{ID: id, Name: strings.TrimSpace(name), CreatedAt: e.now().UTC()}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Project{}, domain.InvalidParameterf("project %s already exists", id)
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreate, p.ID, "project", p.ID, events.Payload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ObjectiveCreateOptions are parameters for creating an objective.
type ObjectiveCreateOptions struct {
	ID         string
	ProjectID  string
	ParentID   string
	Title      string
	Tier       int
	TargetDate *time.Time
}

func (e *Engine) CreateObjective(ctx context.Context, opts ObjectiveCreateOptions) (domain.Objective, error) {
	if opts.Tier == 0 {
		opts.Tier = 1
	}
	if opts.Tier < 0 {
		return domain.Objective{}, domain.InvalidParameterf("tier must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Objective{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
		return domain.Objective{}, err
	}
	o := domain.Objective{
		ID:        newID(opts.ID),
		ProjectID: opts.ProjectID,
		Title:     strings.TrimSpace(opts.Title),
		Tier:      opts.Tier,
		CreatedAt: e.now().UTC(),
	}
	if opts.TargetDate != nil {
		d := domain.StartOfDay(*opts.TargetDate)
		o.TargetDate = &d
	}
	if parentID := strings.TrimSpace(opts.ParentID); parentID != "" {
		parent, err := e.Repo.GetObjectiveTx(ctx, tx, parentID)
		if err != nil {
			return domain.Objective{}, err
		}
		if parent.ProjectID != o.ProjectID {
			return domain.Objective{}, domain.InvalidParameterf("parent objective %s belongs to project %s", parentID, parent.ProjectID)
		}
		o.ParentObjectiveID = &parentID
	}
	if err := e.Repo.InsertObjective(ctx, tx, o); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Objective{}, domain.InvalidParameterf("objective %s already exists", o.ID)
		}
		return domain.Objective{}, fmt.Errorf("insert objective: %w", err)
	}
	payload := events.Payload{"tier": o.Tier}
	if o.ParentObjectiveID != nil {
		payload["parent_objective_id"] = *o.ParentObjectiveID
	}
	if o.TargetDate != nil {
		payload["target_date"] = o.TargetDate.Format(domain.DateLayout)
	}
	if err := e.Events.Append(ctx, tx, events.ObjectiveCreate, o.ProjectID, "objective", o.ID, payload); err != nil {
		return domain.Objective{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Objective{}, err
	}
	return o, nil
}

func (e *Engine) AssignTeam(ctx context.Context, objectiveID, teamID string) error {
	return e.teamAssignment(ctx, objectiveID, teamID, true)
}

func (e *Engine) UnassignTeam(ctx context.Context, objectiveID, teamID string) error {
	return e.teamAssignment(ctx, objectiveID, teamID, false)
}

func (e *Engine) teamAssignment(ctx context.Context, objectiveID, teamID string, assign bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObjectiveTx(ctx, tx, objectiveID)
	if err != nil {
		return err
	}
	if _, err := e.Repo.GetTeamTx(ctx, tx, teamID); err != nil {
		return err
	}
	evt := events.ObjectiveAssign
	if assign {
		err = e.Repo.AssignTeam(ctx, tx, objectiveID, teamID)
	} else {
		evt = events.ObjectiveUnassign
		err = e.Repo.UnassignTeam(ctx, tx, objectiveID, teamID)
	}
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evt, o.ProjectID, "objective", objectiveID, events.Payload{"team_id": teamID}); err != nil {
		return err
	}
	return tx.Commit()
}

// StartRefinement records release activity on an objective. A zero
// startedAt means now.
func (e *Engine) StartRefinement(ctx context.Context, objectiveID string, startedAt time.Time) (domain.RefinementSession, error) {
	if startedAt.IsZero() {
		startedAt = e.now()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefinementSession{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetObjectiveTx(ctx, tx, objectiveID)
	if err != nil {
		return domain.RefinementSession{}, err
	}
	s := domain.RefinementSession{ID: uuid.NewString(), ObjectiveID: objectiveID, StartedAt: startedAt.UTC()}
	if err := e.Repo.InsertRefinementSession(ctx, tx, s); err != nil {
		return domain.RefinementSession{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ObjectiveRefine, o.ProjectID, "objective", objectiveID, events.Payload{
		"session_id": s.ID,
		"started_at": s.StartedAt.Format(time.RFC3339),
	}); err != nil {
		return domain.RefinementSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefinementSession{}, err
	}
	return s, nil
}

// CreateAPIKey issues a key for actorID. The plaintext is only returned here.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	key, plain, err := e.Keys.Create(ctx, tx, actorID, name)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreate, "", "api_key", key.ID, events.Payload{"actor_id": key.ActorID, "name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e *Engine) RevokeAPIKey(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoke, "", "api_key", id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Authenticate resolves an API key to its actor.
func (e *Engine) Authenticate(ctx context.Context, key string) (string, error) {
	return e.Keys.Authenticate(ctx, key)
}

func (e *Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.Limit < 0 {
		return nil, domain.InvalidParameterf("limit must be >= 0")
	}
	return e.Repo.LatestEvents(ctx, f)
}
