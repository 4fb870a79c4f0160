package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"forecastline/internal/domain"
	"forecastline/internal/engine"
	"forecastline/internal/engine/auth"
	"forecastline/internal/logging"
	"forecastline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_detected"`
	Message string         `json:"message" example:"dependency cycle detected: C -> A closes A -> B -> C"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":[\"A\",\"B\",\"C\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the forecasting API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine, log))
	hcfg := huma.DefaultConfig("Forecastline API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerThroughput(group)
	h.registerTeams(group)
	h.registerDependencies(group)
	h.registerProjects(group)
	h.registerEvents(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var ce *domain.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), map[string]any{
			"predecessor_id": ce.PredecessorID,
			"successor_id":   ce.SuccessorID,
			"path":           ce.Path,
		})
	}
	switch {
	case errors.Is(err, domain.ErrCycleDetected):
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateEdge):
		return newAPIError(http.StatusConflict, "duplicate_edge", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidParameter):
		return newAPIError(http.StatusBadRequest, "invalid_parameter", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Forecastline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type handlers struct {
	e *engine.Engine
}

type teamPath struct {
	TeamID string `path:"team_id"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type objectivePath struct {
	ObjectiveID string `path:"objective_id"`
}

func (h handlers) registerThroughput(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "all-teams-throughput",
		Method:      http.MethodGet,
		Path:        "/throughput",
		Summary:     "Throughput rate of every team",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Window int `query:"window" doc:"weeks of history; 0 uses the configured default"`
	}) (*struct {
		Body ThroughputResponse `json:"body"`
	}, error) {
		window := h.e.Window(input.Window)
		rates, err := h.e.AllTeamsRate(ctx, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThroughputResponse `json:"body"`
		}{Body: throughputResponse(window, rates)}, nil
	})
}

func (h handlers) registerTeams(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "team-throughput",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/throughput",
		Summary:     "Team throughput rate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Window int `query:"window" doc:"weeks of history; 0 uses the configured default"`
	}) (*struct {
		Body TeamRateResponse `json:"body"`
	}, error) {
		rate, err := h.e.Rate(ctx, input.TeamID, h.e.Window(input.Window))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamRateResponse `json:"body"`
		}{Body: teamRateResponse(rate)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-queue",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/queue",
		Summary:     "Open work by priority bucket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body domain.QueueSummary `json:"body"`
	}, error) {
		q, err := h.e.Queue(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueSummary `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-load",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/load",
		Summary:     "Implied lead time of the team's whole queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body domain.TeamLoad `json:"body"`
	}, error) {
		load, err := h.e.TeamLoad(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamLoad `json:"body"`
		}{Body: load}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-backlog-forecast",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/forecast",
		Summary:     "Forecast every queued item of a team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *teamPath) (*struct {
		Body BacklogResponse `json:"body"`
	}, error) {
		items, err := h.e.ForecastBacklog(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ItemForecast{}
		}
		return &struct {
			Body BacklogResponse `json:"body"`
		}{Body: BacklogResponse{TeamID: input.TeamID, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-forecast",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/items/{item_id}/forecast",
		Summary:     "Forecast one queued item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.ItemForecast `json:"body"`
	}, error) {
		fc, err := h.e.ForecastItem(ctx, input.ItemID, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ItemForecast `json:"body"`
		}{Body: fc}, nil
	})
}

func (h handlers) registerDependencies(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dependency",
		Method:        http.MethodPost,
		Path:          "/dependencies",
		Summary:       "Add a dependency edge",
		Description:   "Rejected with 409 when the edge already exists or would close a cycle.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDependencyRequest `json:"body"`
	}) (*struct {
		Body domain.ObjectiveDependency `json:"body"`
	}, error) {
		dep, err := h.e.AddDependency(ctx, input.Body.PredecessorID, input.Body.SuccessorID, domain.DependencyType(strings.ToUpper(strings.TrimSpace(input.Body.Type))))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ObjectiveDependency `json:"body"`
		}{Body: dep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-dependency",
		Method:        http.MethodDelete,
		Path:          "/dependencies/{dependency_id}",
		Summary:       "Remove a dependency edge",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DependencyID string `path:"dependency_id"`
	}) (*struct{}, error) {
		if err := h.e.RemoveDependency(ctx, input.DependencyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "objective-dependencies",
		Method:      http.MethodGet,
		Path:        "/objectives/{objective_id}/dependencies",
		Summary:     "Edges touching an objective",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *objectivePath) (*struct {
		Body DependenciesResponse `json:"body"`
	}, error) {
		deps, err := h.e.Dependencies(ctx, input.ObjectiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DependenciesResponse `json:"body"`
		}{Body: DependenciesResponse{Items: nonNilDeps(deps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "objective-release",
		Method:      http.MethodGet,
		Path:        "/objectives/{objective_id}/release",
		Summary:     "Whether an objective may enter release",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *objectivePath) (*struct {
		Body domain.ReleaseStatus `json:"body"`
	}, error) {
		st, err := h.e.CanRelease(ctx, input.ObjectiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReleaseStatus `json:"body"`
		}{Body: st}, nil
	})
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "project-dependencies",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dependencies",
		Summary:     "Edges touching a project's objectives",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body DependenciesResponse `json:"body"`
	}, error) {
		deps, err := h.e.ProjectDependencies(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DependenciesResponse `json:"body"`
		}{Body: DependenciesResponse{Items: nonNilDeps(deps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-release",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/release",
		Summary:     "Release readiness of every objective in a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ReleaseListResponse `json:"body"`
	}, error) {
		sts, err := h.e.Releasable(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if sts == nil {
			sts = []domain.ReleaseStatus{}
		}
		return &struct {
			Body ReleaseListResponse `json:"body"`
		}{Body: ReleaseListResponse{ProjectID: input.ProjectID, Objectives: sts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-forecast",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/forecast",
		Summary:     "End-to-end project completion forecast",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProjectForecast `json:"body"`
	}, error) {
		pf, err := h.e.ForecastProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectForecast `json:"body"`
		}{Body: pf}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "invalid_parameter", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_parameter", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
