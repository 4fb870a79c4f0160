package forecastlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Forecastline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TeamRate is a team's trailing-window throughput.
type TeamRate struct {
	TeamID       string  `json:"team_id"`
	ItemsPerWeek float64 `json:"items_per_week"`
	WindowWeeks  int     `json:"window_weeks"`
	WeeksUsed    int     `json:"weeks_used"`
	Confidence   string  `json:"confidence"`
}

// Throughput lists the rate of every team.
type Throughput struct {
	WindowWeeks int        `json:"window_weeks"`
	Teams       []TeamRate `json:"teams"`
}

// QueueSummary counts a team's open items.
type QueueSummary struct {
	TeamID       string         `json:"team_id"`
	Counts       map[string]int `json:"counts"`
	TotalOpen    int            `json:"total_open"`
	BlockedCount int            `json:"blocked_count"`
}

// ItemForecast is the lead-time estimate of one queued item. EstimatedWeeks
// is nil when the team has no throughput history.
type ItemForecast struct {
	ItemID         string     `json:"item_id"`
	TeamID         string     `json:"team_id"`
	PriorityBucket string     `json:"priority_bucket"`
	Position       int        `json:"position"`
	EstimatedWeeks *float64   `json:"estimated_weeks"`
	EstimatedDate  *time.Time `json:"estimated_date,omitempty"`
	Confidence     string     `json:"confidence"`
}

type TeamLoad struct {
	TeamID               string       `json:"team_id"`
	Rate                 TeamRate     `json:"rate"`
	Queue                QueueSummary `json:"queue"`
	ImpliedLeadTimeWeeks *float64     `json:"implied_lead_time_weeks"`
	Confidence           string       `json:"confidence"`
}

type ObjectiveForecast struct {
	ObjectiveID    string     `json:"objective_id"`
	Kind           string     `json:"kind"`
	DurationWeeks  *float64   `json:"duration_weeks"`
	StartWeeks     float64    `json:"start_weeks"`
	FinishWeeks    float64    `json:"finish_weeks"`
	EstimatedDate  *time.Time `json:"estimated_date,omitempty"`
	TargetDate     *time.Time `json:"target_date,omitempty"`
	AtRisk         bool       `json:"at_risk"`
	OnCriticalPath bool       `json:"on_critical_path"`
	Confidence     string     `json:"confidence"`
}

// ProjectForecast represents the API project forecast model (partial).
type ProjectForecast struct {
	ProjectID               string              `json:"project_id"`
	ObjectiveForecasts      []ObjectiveForecast `json:"objective_forecasts"`
	CriticalPath            []string            `json:"critical_path"`
	CriticalPathWeeks       float64             `json:"critical_path_weeks"`
	Anchor                  time.Time           `json:"anchor"`
	EstimatedCompletionDate time.Time           `json:"estimated_completion_date"`
	UnestimableObjectives   []string            `json:"unestimable_objectives"`
	Confidence              string              `json:"confidence"`
}

// Dependency is a predecessor -> successor edge between objectives.
type Dependency struct {
	ID            string `json:"id"`
	PredecessorID string `json:"predecessor_id"`
	SuccessorID   string `json:"successor_id"`
	Type          string `json:"type"`
}

type ReleaseStatus struct {
	ObjectiveID          string   `json:"objective_id"`
	CanRelease           bool     `json:"can_release"`
	BlockingPredecessors []string `json:"blocking_predecessors"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCycle reports whether err is a rejected dependency that would close a
// cycle.
func IsCycle(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "cycle_detected"
}

// CyclePath returns the offending path of a cycle rejection, or nil.
func CyclePath(err error) []string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "cycle_detected" {
		return nil
	}
	raw, _ := apiErr.Details["path"].([]any)
	path := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			path = append(path, s)
		}
	}
	return path
}

// Throughput returns the rate of every team. window 0 uses the server default.
func (c *Client) Throughput(ctx context.Context, window int) (Throughput, error) {
	var resp Throughput
	err := c.do(ctx, http.MethodGet, withQuery("throughput", "window", window), nil, &resp)
	return resp, err
}

func (c *Client) TeamRate(ctx context.Context, teamID string, window int) (TeamRate, error) {
	var resp TeamRate
	err := c.do(ctx, http.MethodGet, withQuery(teamPath(teamID, "throughput"), "window", window), nil, &resp)
	return resp, err
}

func (c *Client) Queue(ctx context.Context, teamID string) (QueueSummary, error) {
	var resp QueueSummary
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "queue"), nil, &resp)
	return resp, err
}

func (c *Client) TeamLoad(ctx context.Context, teamID string) (TeamLoad, error) {
	var resp TeamLoad
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "load"), nil, &resp)
	return resp, err
}

// ForecastItem forecasts one queued item of a team.
func (c *Client) ForecastItem(ctx context.Context, teamID, itemID string) (ItemForecast, error) {
	var resp ItemForecast
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "items/"+url.PathEscape(itemID)+"/forecast"), nil, &resp)
	return resp, err
}

// ForecastBacklog forecasts every queued item of a team in processing order.
func (c *Client) ForecastBacklog(ctx context.Context, teamID string) ([]ItemForecast, error) {
	var resp struct {
		Items []ItemForecast `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "forecast"), nil, &resp)
	return resp.Items, err
}

func (c *Client) ForecastProject(ctx context.Context, projectID string) (ProjectForecast, error) {
	var resp ProjectForecast
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "forecast"), nil, &resp)
	return resp, err
}

// AddDependency adds an edge. typ may be empty for finish-to-start.
func (c *Client) AddDependency(ctx context.Context, predecessorID, successorID, typ string) (Dependency, error) {
	body := map[string]any{
		"predecessor_id": predecessorID,
		"successor_id":   successorID,
	}
	if typ != "" {
		body["type"] = typ
	}
	var resp Dependency
	err := c.do(ctx, http.MethodPost, "dependencies", body, &resp)
	return resp, err
}

func (c *Client) RemoveDependency(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "dependencies/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ProjectDependencies(ctx context.Context, projectID string) ([]Dependency, error) {
	var resp struct {
		Items []Dependency `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "dependencies"), nil, &resp)
	return resp.Items, err
}

func (c *Client) CanRelease(ctx context.Context, objectiveID string) (ReleaseStatus, error) {
	var resp ReleaseStatus
	err := c.do(ctx, http.MethodGet, "objectives/"+url.PathEscape(objectiveID)+"/release", nil, &resp)
	return resp, err
}

func (c *Client) Releasable(ctx context.Context, projectID string) ([]ReleaseStatus, error) {
	var resp struct {
		Objectives []ReleaseStatus `json:"objectives"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "release"), nil, &resp)
	return resp.Objectives, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func teamPath(teamID, p string) string {
	return fmt.Sprintf("teams/%s/%s", url.PathEscape(teamID), strings.TrimLeft(p, "/"))
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func withQuery(endpoint, key string, v int) string {
	if v <= 0 {
		return endpoint
	}
	return fmt.Sprintf("%s?%s=%d", endpoint, key, v)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
