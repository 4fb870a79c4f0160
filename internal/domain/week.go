package domain

import (
	"math"
	"time"
)

const DateLayout = "2006-01-02"

// WeekStart returns Monday 00:00 of the week containing t, in t's location.
func WeekStart(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddWeeks returns day plus ceil(weeks) calendar weeks.
func AddWeeks(day time.Time, weeks float64) time.Time {
	return day.AddDate(0, 0, 7*int(math.Ceil(weeks)))
}
