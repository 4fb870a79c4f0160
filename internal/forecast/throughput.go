// Package forecast turns completion history and queue composition into
// lead-time forecasts for items, team backlogs and whole projects.
package forecast

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"forecastline/internal/domain"
)

const DefaultWindowWeeks = 6

type ThroughputStore interface {
	GetTeam(ctx context.Context, id string) (domain.Team, error)
	ListTeams(ctx context.Context) ([]domain.Team, error)
	GetWeeklyThroughput(ctx context.Context, teamID string) ([]domain.WeeklyThroughput, error)
}

type ThroughputCalculator struct {
	store ThroughputStore
	// MaxParallel bounds the per-team fan-out of AllTeamsRate; <=0 means unbounded.
	MaxParallel int
}

func NewThroughputCalculator(store ThroughputStore) *ThroughputCalculator {
	return &ThroughputCalculator{store: store, MaxParallel: 4}
}

// Rate is the plain mean of the team's most recent window weekly counts.
// Fewer records than the window is not an error; no records yields 0.
func (c *ThroughputCalculator) Rate(ctx context.Context, teamID string, window int) (domain.TeamRate, error) {
	if window <= 0 {
		return domain.TeamRate{}, domain.InvalidParameterf("window_weeks must be positive, got %d", window)
	}
	if _, err := c.store.GetTeam(ctx, teamID); err != nil {
		return domain.TeamRate{}, err
	}
	records, err := c.store.GetWeeklyThroughput(ctx, teamID)
	if err != nil {
		return domain.TeamRate{}, err
	}
	return MeanRate(teamID, records, window), nil
}

// MeanRate computes the rate from an unordered set of weekly records.
func MeanRate(teamID string, records []domain.WeeklyThroughput, window int) domain.TeamRate {
	rate := domain.TeamRate{TeamID: teamID, WindowWeeks: window}
	if len(records) == 0 || window <= 0 {
		return rate
	}
	recent := make([]domain.WeeklyThroughput, len(records))
	copy(recent, records)
	sort.Slice(recent, func(i, j int) bool { return recent[i].WeekStart.After(recent[j].WeekStart) })
	if len(recent) > window {
		recent = recent[:window]
	}
	total := 0
	for _, r := range recent {
		total += r.ItemsCompleted
	}
	rate.WeeksUsed = len(recent)
	rate.ItemsPerWeek = float64(total) / float64(len(recent))
	return rate
}

// AllTeamsRate computes Rate for every team. Teams without history are
// present with a zero rate.
func (c *ThroughputCalculator) AllTeamsRate(ctx context.Context, window int) (map[string]domain.TeamRate, error) {
	if window <= 0 {
		return nil, domain.InvalidParameterf("window_weeks must be positive, got %d", window)
	}
	teams, err := c.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	rates := make([]domain.TeamRate, len(teams))
	g, gctx := errgroup.WithContext(ctx)
	if c.MaxParallel > 0 {
		g.SetLimit(c.MaxParallel)
	}
	for i, t := range teams {
		g.Go(func() error {
			records, err := c.store.GetWeeklyThroughput(gctx, t.ID)
			if err != nil {
				return err
			}
			rates[i] = MeanRate(t.ID, records, window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.TeamRate, len(rates))
	for _, r := range rates {
		out[r.TeamID] = r
	}
	return out, nil
}
