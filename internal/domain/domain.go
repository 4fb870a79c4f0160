package domain

import "time"

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// WeeklyThroughput is the number of items a team completed in the week
// starting at WeekStart (Monday 00:00 local).
type WeeklyThroughput struct {
	TeamID         string    `json:"team_id"`
	WeekStart      time.Time `json:"week_start" format:"date"`
	ItemsCompleted int       `json:"items_completed"`
}

type PriorityBucket string

const (
	P1 PriorityBucket = "P1"
	P2 PriorityBucket = "P2"
	P3 PriorityBucket = "P3"
)

// Buckets lists the priority buckets in processing order.
var Buckets = []PriorityBucket{P1, P2, P3}

func (b PriorityBucket) Valid() bool {
	switch b {
	case P1, P2, P3:
		return true
	}
	return false
}

// Order returns the processing order of the bucket, or len(Buckets) when unknown.
func (b PriorityBucket) Order() int {
	for i, v := range Buckets {
		if v == b {
			return i
		}
	}
	return len(Buckets)
}

type WorkItemStatus string

const (
	StatusBacklog    WorkItemStatus = "Backlog"
	StatusReady      WorkItemStatus = "Ready"
	StatusInProgress WorkItemStatus = "InProgress"
	StatusDone       WorkItemStatus = "Done"
	StatusBlocked    WorkItemStatus = "Blocked"
)

func (s WorkItemStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Queued reports whether items in this status take part in throughput ordering.
func (s WorkItemStatus) Queued() bool {
	return s == StatusBacklog || s == StatusReady || s == StatusInProgress
}

type WorkItem struct {
	ID             string         `json:"id"`
	TeamID         string         `json:"team_id"`
	Title          string         `json:"title,omitempty"`
	PriorityBucket PriorityBucket `json:"priority_bucket" enum:"P1,P2,P3"`
	StackRank      int            `json:"stack_rank"`
	Status         WorkItemStatus `json:"status" enum:"Backlog,Ready,InProgress,Done,Blocked"`
	CreatedAt      time.Time      `json:"created_at" format:"date-time"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" format:"date-time"`
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Objective struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	ParentObjectiveID *string    `json:"parent_objective_id,omitempty"`
	Title             string     `json:"title,omitempty"`
	Tier              int        `json:"tier"`
	TargetDate        *time.Time `json:"target_date,omitempty" format:"date"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
}

// RefinementSession marks the start of active refinement on an objective.
type RefinementSession struct {
	ID          string    `json:"id"`
	ObjectiveID string    `json:"objective_id"`
	StartedAt   time.Time `json:"started_at" format:"date-time"`
}

type DependencyType string

const (
	FinishToStart  DependencyType = "FS"
	StartToStart   DependencyType = "SS"
	FinishToFinish DependencyType = "FF"
	StartToFinish  DependencyType = "SF"
)

func (t DependencyType) Valid() bool {
	switch t {
	case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		return true
	}
	return false
}

type ObjectiveDependency struct {
	ID            string         `json:"id"`
	PredecessorID string         `json:"predecessor_id"`
	SuccessorID   string         `json:"successor_id"`
	Type          DependencyType `json:"type" enum:"FS,SS,FF,SF"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
