package forecast

import (
	"context"
	"sort"

	"forecastline/internal/domain"
)

type QueueStore interface {
	GetTeam(ctx context.Context, id string) (domain.Team, error)
	// GetOpenWorkItems returns every item of the team that is not Done.
	GetOpenWorkItems(ctx context.Context, teamID string) ([]domain.WorkItem, error)
}

type QueueAnalyzer struct {
	store QueueStore
}

func NewQueueAnalyzer(store QueueStore) *QueueAnalyzer {
	return &QueueAnalyzer{store: store}
}

func (a *QueueAnalyzer) Queue(ctx context.Context, teamID string) (domain.Queue, error) {
	if _, err := a.store.GetTeam(ctx, teamID); err != nil {
		return domain.Queue{}, err
	}
	items, err := a.store.GetOpenWorkItems(ctx, teamID)
	if err != nil {
		return domain.Queue{}, err
	}
	return BuildQueue(teamID, items), nil
}

// BuildQueue orders the queued items of a team: bucket, then stack rank,
// then creation time and id. Blocked items are only counted.
func BuildQueue(teamID string, items []domain.WorkItem) domain.Queue {
	q := domain.Queue{QueueSummary: domain.QueueSummary{
		TeamID: teamID,
		Counts: make(map[domain.PriorityBucket]int, len(domain.Buckets)),
	}}
	for _, b := range domain.Buckets {
		q.Counts[b] = 0
	}
	for _, it := range items {
		if it.TeamID != teamID {
			continue
		}
		switch {
		case it.Status == domain.StatusBlocked:
			q.BlockedCount++
		case it.Status.Queued():
			q.Items = append(q.Items, it)
			q.Counts[it.PriorityBucket]++
		}
	}
	sort.SliceStable(q.Items, func(i, j int) bool {
		a, b := q.Items[i], q.Items[j]
		if a.PriorityBucket.Order() != b.PriorityBucket.Order() {
			return a.PriorityBucket.Order() < b.PriorityBucket.Order()
		}
		if a.StackRank != b.StackRank {
			return a.StackRank < b.StackRank
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	q.TotalOpen = len(q.Items)
	return q
}
