package server

import (
	"encoding/json"
	"sort"

	"forecastline/internal/domain"
)

// Request payloads

type CreateDependencyRequest struct {
	PredecessorID string `json:"predecessor_id"`
	SuccessorID   string `json:"successor_id"`
	Type          string `json:"type,omitempty" doc:"FS (default), SS, FF or SF"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type TeamRateResponse struct {
	TeamID       string            `json:"team_id"`
	ItemsPerWeek float64           `json:"items_per_week"`
	WindowWeeks  int               `json:"window_weeks"`
	WeeksUsed    int               `json:"weeks_used"`
	Confidence   domain.Confidence `json:"confidence"`
}

type ThroughputResponse struct {
	WindowWeeks int                `json:"window_weeks"`
	Teams       []TeamRateResponse `json:"teams"`
}

type BacklogResponse struct {
	TeamID string                `json:"team_id"`
	Items  []domain.ItemForecast `json:"items"`
}

type DependenciesResponse struct {
	Items []domain.ObjectiveDependency `json:"items"`
}

type ReleaseListResponse struct {
	ProjectID  string                 `json:"project_id"`
	Objectives []domain.ReleaseStatus `json:"objectives"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func teamRateResponse(r domain.TeamRate) TeamRateResponse {
	return TeamRateResponse{
		TeamID:       r.TeamID,
		ItemsPerWeek: r.ItemsPerWeek,
		WindowWeeks:  r.WindowWeeks,
		WeeksUsed:    r.WeeksUsed,
		Confidence:   r.Confidence(),
	}
}

func throughputResponse(window int, rates map[string]domain.TeamRate) ThroughputResponse {
	resp := ThroughputResponse{WindowWeeks: window, Teams: make([]TeamRateResponse, 0, len(rates))}
	for _, r := range rates {
		resp.Teams = append(resp.Teams, teamRateResponse(r))
	}
	sort.Slice(resp.Teams, func(i, j int) bool { return resp.Teams[i].TeamID < resp.Teams[j].TeamID })
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilDeps(items []domain.ObjectiveDependency) []domain.ObjectiveDependency {
	if items == nil {
		return []domain.ObjectiveDependency{}
	}
	return items
}
