package forecast

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"forecastline/internal/domain"
)

type LeadTimeForecaster struct {
	rates  *ThroughputCalculator
	queues *QueueAnalyzer

	Window   int
	Now      func() time.Time
	Location *time.Location
}

func NewLeadTimeForecaster(rates *ThroughputCalculator, queues *QueueAnalyzer) *LeadTimeForecaster {
	return &LeadTimeForecaster{
		rates:    rates,
		queues:   queues,
		Window:   DefaultWindowWeeks,
		Now:      time.Now,
		Location: time.UTC,
	}
}

// Today is the start of the current day in the forecaster's location.
func (f *LeadTimeForecaster) Today() time.Time {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	return domain.StartOfDay(f.Now().In(loc))
}

func (f *LeadTimeForecaster) snapshot(ctx context.Context, teamID string) (domain.TeamRate, domain.Queue, error) {
	var (
		rate  domain.TeamRate
		queue domain.Queue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rate, err = f.rates.Rate(gctx, teamID, f.Window)
		return err
	})
	g.Go(func() error {
		var err error
		queue, err = f.queues.Queue(gctx, teamID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.TeamRate{}, domain.Queue{}, err
	}
	return rate, queue, nil
}

// ForecastItem forecasts one item of the team's open queue. Done, Blocked
// and unknown items are NotFound.
func (f *LeadTimeForecaster) ForecastItem(ctx context.Context, itemID, teamID string) (domain.ItemForecast, error) {
	rate, queue, err := f.snapshot(ctx, teamID)
	if err != nil {
		return domain.ItemForecast{}, err
	}
	today := f.Today()
	for i, it := range queue.Items {
		if it.ID == itemID {
			return itemForecast(it, i+1, rate, today), nil
		}
	}
	return domain.ItemForecast{}, domain.NotFoundf("item %s in open queue of team %s", itemID, teamID)
}

// ForecastBacklog forecasts every queued item in processing order.
func (f *LeadTimeForecaster) ForecastBacklog(ctx context.Context, teamID string) ([]domain.ItemForecast, error) {
	rate, queue, err := f.snapshot(ctx, teamID)
	if err != nil {
		return nil, err
	}
	today := f.Today()
	out := make([]domain.ItemForecast, 0, len(queue.Items))
	for i, it := range queue.Items {
		out = append(out, itemForecast(it, i+1, rate, today))
	}
	return out, nil
}

func itemForecast(it domain.WorkItem, position int, rate domain.TeamRate, today time.Time) domain.ItemForecast {
	fc := domain.ItemForecast{
		ItemID:         it.ID,
		TeamID:         it.TeamID,
		PriorityBucket: it.PriorityBucket,
		Position:       position,
		Confidence:     rate.Confidence(),
	}
	if weeks, ok := weeksAt(position, rate); ok {
		date := domain.AddWeeks(today, weeks)
		fc.EstimatedWeeks = &weeks
		fc.EstimatedDate = &date
	}
	return fc
}

// weeksAt is position / rate, undefined for a zero rate.
func weeksAt(count int, rate domain.TeamRate) (float64, bool) {
	if rate.ItemsPerWeek <= 0 {
		return 0, false
	}
	return float64(count) / rate.ItemsPerWeek, true
}

// TeamLoad reports the expected time to clear the team's open queue at its
// current throughput.
func (f *LeadTimeForecaster) TeamLoad(ctx context.Context, teamID string) (domain.TeamLoad, error) {
	rate, queue, err := f.snapshot(ctx, teamID)
	if err != nil {
		return domain.TeamLoad{}, err
	}
	load := domain.TeamLoad{
		TeamID:     teamID,
		Rate:       rate,
		Queue:      queue.Summary(),
		Confidence: rate.Confidence(),
	}
	if weeks, ok := weeksAt(queue.TotalOpen, rate); ok {
		load.ImpliedLeadTimeWeeks = &weeks
	}
	return load, nil
}
