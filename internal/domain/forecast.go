package domain

import "time"

// Confidence annotates a successful forecast. It is never an error.
type Confidence string

const (
	ConfidenceFull         Confidence = "full"
	ConfidenceLimited      Confidence = "limited-history"
	ConfidenceInsufficient Confidence = "insufficient-history"
	ConfidencePartial      Confidence = "partial"
)

type TeamRate struct {
	TeamID       string  `json:"team_id"`
	ItemsPerWeek float64 `json:"items_per_week"`
	WindowWeeks  int     `json:"window_weeks"`
	WeeksUsed    int     `json:"weeks_used"`
}

// Confidence derives the annotation a forecast built on this rate carries.
func (r TeamRate) Confidence() Confidence {
	switch {
	case r.ItemsPerWeek <= 0:
		return ConfidenceInsufficient
	case r.WeeksUsed < r.WindowWeeks:
		return ConfidenceLimited
	default:
		return ConfidenceFull
	}
}

// QueueSummary is the public view of a team queue.
type QueueSummary struct {
	TeamID       string                 `json:"team_id"`
	Counts       map[PriorityBucket]int `json:"counts"`
	TotalOpen    int                    `json:"total_open"`
	BlockedCount int                    `json:"blocked_count"`
}

// Queue is a team's open work in processing order. Items is internal detail
// and is dropped by Summary before results leave the engine.
type Queue struct {
	QueueSummary
	Items []WorkItem `json:"-"`
}

func (q Queue) Summary() QueueSummary {
	counts := make(map[PriorityBucket]int, len(q.Counts))
	for k, v := range q.Counts {
		counts[k] = v
	}
	s := q.QueueSummary
	s.Counts = counts
	return s
}

type ItemForecast struct {
	ItemID         string         `json:"item_id"`
	TeamID         string         `json:"team_id"`
	PriorityBucket PriorityBucket `json:"priority_bucket"`
	Position       int            `json:"position"`
	EstimatedWeeks *float64       `json:"estimated_weeks"`
	EstimatedDate  *time.Time     `json:"estimated_date,omitempty" format:"date"`
	Confidence     Confidence     `json:"confidence"`
}

type TeamLoad struct {
	TeamID               string       `json:"team_id"`
	Rate                 TeamRate     `json:"rate"`
	Queue                QueueSummary `json:"queue"`
	ImpliedLeadTimeWeeks *float64     `json:"implied_lead_time_weeks"`
	Confidence           Confidence   `json:"confidence"`
}

type ObjectiveKind string

const (
	ObjectiveWork       ObjectiveKind = "work"
	ObjectiveContainer  ObjectiveKind = "container"
	ObjectiveUnassigned ObjectiveKind = "unassigned"
)

type ObjectiveForecast struct {
	ObjectiveID    string        `json:"objective_id"`
	Kind           ObjectiveKind `json:"kind"`
	Teams          []TeamLoad    `json:"teams"`
	DurationWeeks  *float64      `json:"duration_weeks"`
	StartWeeks     float64       `json:"start_weeks"`
	FinishWeeks    float64       `json:"finish_weeks"`
	EstimatedDate  *time.Time    `json:"estimated_date,omitempty" format:"date"`
	TargetDate     *time.Time    `json:"target_date,omitempty" format:"date"`
	AtRisk         bool          `json:"at_risk"`
	OnCriticalPath bool          `json:"on_critical_path"`
	Confidence     Confidence    `json:"confidence"`
}

type ProjectForecast struct {
	ProjectID               string              `json:"project_id"`
	ObjectiveForecasts      []ObjectiveForecast `json:"objective_forecasts"`
	CriticalPath            []string            `json:"critical_path"`
	CriticalPathWeeks       float64             `json:"critical_path_weeks"`
	// Anchor is the project's latest activity start, or today when that start
	// is in the past or missing: lead times count from today's queue, so an
	// older start would date work that has not been scheduled yet.
	Anchor                  time.Time           `json:"anchor" format:"date"`
	EstimatedCompletionDate time.Time           `json:"estimated_completion_date" format:"date"`
	UnestimableObjectives   []string            `json:"unestimable_objectives"`
	Confidence              Confidence          `json:"confidence"`
}

type ReleaseStatus struct {
	ObjectiveID          string   `json:"objective_id"`
	CanRelease           bool     `json:"can_release"`
	BlockingPredecessors []string `json:"blocking_predecessors"`
}
