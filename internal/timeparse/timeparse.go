// Package timeparse reads user-supplied dates for CLI flags: ISO dates,
// RFC 3339 timestamps, or English phrases such as "next friday".
package timeparse

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"forecastline/internal/domain"
)

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Parse resolves s relative to now. Date-only inputs are midnight in now's
// location.
func Parse(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, domain.InvalidParameterf("empty date")
	}
	if t, err := time.ParseInLocation(domain.DateLayout, s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	switch strings.ToLower(s) {
	case "now":
		return now, nil
	case "today":
		return domain.StartOfDay(now), nil
	}
	r, err := parser.Parse(s, now)
	if err != nil {
		return time.Time{}, domain.InvalidParameterf("date %q: %v", s, err)
	}
	if r == nil {
		return time.Time{}, domain.InvalidParameterf("date %q not understood", s)
	}
	return r.Time, nil
}

// ParseDate is Parse truncated to the start of the day.
func ParseDate(s string, now time.Time) (time.Time, error) {
	t, err := Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	return domain.StartOfDay(t.In(now.Location())), nil
}
