package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekStartIsMonday(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	cases := map[string]string{
		"2024-01-01T09:30:00": "2024-01-01", // Monday
		"2024-01-03T23:59:00": "2024-01-01",
		"2024-01-07T00:00:00": "2024-01-01", // Sunday
		"2024-01-08T00:00:00": "2024-01-08",
	}
	for in, want := range cases {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", in, loc)
		if err != nil {
			t.Fatal(err)
		}
		got := WeekStart(ts)
		assert.Equal(t, want, got.Format(DateLayout), in)
		assert.Equal(t, loc, got.Location())
		assert.Zero(t, got.Hour())
	}
}

func TestAddWeeksRoundsUp(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, day.AddDate(0, 0, 7), AddWeeks(day, 1.0))
	assert.Equal(t, day.AddDate(0, 0, 14), AddWeeks(day, 1.2))
	assert.Equal(t, day, AddWeeks(day, 0))
}

func TestCycleErrorUnwraps(t *testing.T) {
	err := &CycleError{PredecessorID: "b", SuccessorID: "a", Path: []string{"a", "b"}}
	assert.True(t, errors.Is(err, ErrCycleDetected))
	assert.Contains(t, err.Error(), "a -> b")
	assert.True(t, errors.Is(NotFoundf("team %s", "x"), ErrNotFound))
	assert.True(t, errors.Is(InvalidParameterf("window %d", 0), ErrInvalidParameter))
}

func TestRateConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceInsufficient, TeamRate{WindowWeeks: 6}.Confidence())
	assert.Equal(t, ConfidenceLimited, TeamRate{ItemsPerWeek: 2, WindowWeeks: 6, WeeksUsed: 3}.Confidence())
	assert.Equal(t, ConfidenceFull, TeamRate{ItemsPerWeek: 2, WindowWeeks: 6, WeeksUsed: 6}.Confidence())
}
