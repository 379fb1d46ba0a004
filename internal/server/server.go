package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/engine/auth"
	blog "buildline/internal/log"
	"buildline/internal/model"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/resolver"
)

// DefaultBasePath is where the REST operations are mounted.
const DefaultBasePath = "/app/rest"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Auth     auth.Service
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" xml:"code" example:"not_found"`
	Message string         `json:"message" xml:"message" example:"unknown build type MusionBackend_Build"`
	Details map[string]any `json:"details,omitempty" xml:"-" jsonschema:"type=object,additionalProperties=true" example:"{\"buildTypeId\":\"MusionBackend_Build\"}"`
}

// apiError models the error envelope shared by every operation.
type apiError struct {
	XMLName xml.Name     `json:"-" xml:"errors"`
	status  int
	Body    apiErrorBody `json:"error" xml:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var xmlFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return xml.NewEncoder(w).Encode(v)
	},
	Unmarshal: xml.Unmarshal,
}

// New returns an HTTP handler exposing the buildline REST API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := blog.Or(cfg.Logger, "server")

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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))

	hcfg := huma.DefaultConfig("buildline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// No $schema links: bodies are also rendered as XML.
	hcfg.CreateHooks = nil
	formats := make(map[string]huma.Format, len(hcfg.Formats)+2)
	for k, v := range hcfg.Formats {
		formats[k] = v
	}
	formats["application/xml"] = xmlFormat
	formats["xml"] = xmlFormat
	hcfg.Formats = formats
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, queue: cfg.Engine.Queue, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerBuildQueue(group)
	h.registerBuilds(group)
	h.registerBuildTypes(group)
	h.registerVcsRoots(group)
	h.registerEvents(group)
	router.Get(path.Join(basePath, "buildQueue/stream"), h.stream)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine *engine.Engine
	queue  *queue.Queue
	log    *slog.Logger
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

func badRequest(err error) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	var unknown *model.UnknownBuildTypeError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"buildTypeId": unknown.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var cycle *resolver.CyclicDependencyError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusConflict, "cyclic_dependency", err.Error(), map[string]any{"path": cycle.Path})
	}
	var transition *queue.TransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		})
	}
	var param *model.ParamError
	if errors.As(err, &param) {
		return newAPIError(http.StatusBadRequest, "invalid_param", err.Error(), map[string]any{"name": param.Name})
	}
	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>buildline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

type HealthResponse struct {
	XMLName xml.Name `json:"-" xml:"health"`
	Status  string   `json:"status" xml:"status,attr"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func (h handlers) registerBuildQueue(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "enqueue-build",
		Method:      http.MethodPost,
		Path:        "/buildQueue",
		Summary:     "Queue a build together with its snapshot dependencies",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		var req BuildRequest
		if err := decodeBody(input.ContentType, input.RawBody, &req, false); err != nil {
			return nil, badRequest(err)
		}
		if strings.TrimSpace(req.BuildType.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "buildType.id is required", nil)
		}
		res, err := h.engine.Submit(ctx, engine.SubmitRequest{
			BuildTypeID: req.BuildType.ID,
			Branch:      req.BranchName,
			Revision:    req.Revision,
			Params:      req.properties(),
			Priority:    req.Priority,
			Cause:       domain.CauseRest,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EnqueueResponse{BuildResponse: buildResponse(res.Build), Created: res.Created}
		for _, b := range res.Queued {
			resp.Queued = append(resp.Queued, buildResponse(b))
		}
		h.log.Info("build queued", "build", res.Build.ID, "build_type", res.Build.BuildTypeID, "created", res.Created, "actor", actorIDFromContext(ctx))
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/buildQueue",
		Summary:     "List queued builds in dispatch order",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BuildType string `query:"buildType"`
		Branch    string `query:"branch"`
	}) (*struct {
		Body BuildListResponse `json:"body"`
	}, error) {
		items, err := h.queue.Queued(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		var out []domain.QueuedBuild
		for _, b := range items {
			if input.BuildType != "" && b.BuildTypeID != input.BuildType {
				continue
			}
			if input.Branch != "" && b.Branch != input.Branch {
				continue
			}
			out = append(out, b)
		}
		return &struct {
			Body BuildListResponse `json:"body"`
		}{Body: buildList(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-build",
		Method:      http.MethodPost,
		Path:        "/buildQueue/{id}/cancel",
		Summary:     "Cancel a queued build or ask the agent to stop a running one",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      int64  `path:"id"`
		Comment string `query:"comment"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		b, err := h.queue.Cancel(ctx, input.ID, input.Comment, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(b)}, nil
	})
}

func (h handlers) registerBuilds(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/builds",
		Summary:     "List builds, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BuildType string `query:"buildType"`
		Branch    string `query:"branch"`
		Status    string `query:"status" enum:"QUEUED,RUNNING,SUCCESS,FAILURE,CANCELLED"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body BuildListResponse `json:"body"`
	}, error) {
		f := repo.BuildFilter{BuildTypeID: input.BuildType, Branch: input.Branch, Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			f.Statuses = []domain.Status{domain.Status(input.Status)}
		}
		items, err := h.queue.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildListResponse `json:"body"`
		}{Body: buildList(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{id}",
		Summary:     "Get a build",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		b, err := h.queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-build",
		Method:      http.MethodPost,
		Path:        "/builds/{id}/finish",
		Summary:     "Report the outcome of a running build",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID          int64  `path:"id"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		var req FinishRequest
		if err := decodeBody(input.ContentType, input.RawBody, &req, false); err != nil {
			return nil, badRequest(err)
		}
		status := domain.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
		if !status.Terminal() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be SUCCESS, FAILURE or CANCELLED", map[string]any{"status": req.Status})
		}
		b, err := h.queue.Complete(ctx, input.ID, status, req.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(b)}, nil
	})
}

func (h handlers) registerBuildTypes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-build-types",
		Method:      http.MethodGet,
		Path:        "/buildTypes",
		Summary:     "List build types",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BuildTypeListResponse `json:"body"`
	}, error) {
		resp := BuildTypeListResponse{BuildType: []BuildTypeResponse{}}
		for _, bt := range h.engine.Model().BuildTypes() {
			resp.BuildType = append(resp.BuildType, buildTypeResponse(bt))
		}
		resp.Count = len(resp.BuildType)
		return &struct {
			Body BuildTypeListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build-type",
		Method:      http.MethodGet,
		Path:        "/buildTypes/{id}",
		Summary:     "Get a build type",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BuildTypeResponse `json:"body"`
	}, error) {
		bt, err := h.engine.Model().BuildType(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildTypeResponse `json:"body"`
		}{Body: buildTypeResponse(bt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-build-type",
		Method:      http.MethodGet,
		Path:        "/buildTypes/{id}/plan",
		Summary:     "Show which builds a queue request would create or reuse",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Branch   string `query:"branch"`
		Revision string `query:"revision"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := h.engine.Plan(ctx, input.ID, input.Branch, input.Revision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})
}

func (h handlers) registerVcsRoots(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "vcs-change",
		Method:      http.MethodPost,
		Path:        "/vcsRoots/{id}/changes",
		Summary:     "Report a new revision on a VCS root branch",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body VcsChangeResponse `json:"body"`
	}, error) {
		var req VcsChangeRequest
		if err := decodeBody(input.ContentType, input.RawBody, &req, false); err != nil {
			return nil, badRequest(err)
		}
		if strings.TrimSpace(req.Revision) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "revision is required", nil)
		}
		queued, err := h.engine.OnVcsChange(ctx, input.ID, req.Branch, req.Revision)
		if err != nil {
			return nil, handleError(err)
		}
		list := buildList(queued)
		return &struct {
			Body VcsChangeResponse `json:"body"`
		}{Body: VcsChangeResponse{Count: list.Count, Build: list.Build}}, nil
	})
}

type EventResponse struct {
	ID         int64          `json:"id" xml:"id,attr"`
	TS         string         `json:"ts" xml:"ts,attr"`
	Type       string         `json:"type" xml:"type,attr"`
	EntityKind string         `json:"entityKind" xml:"entityKind,attr"`
	EntityID   string         `json:"entityId,omitempty" xml:"entityId,attr,omitempty"`
	ActorID    string         `json:"actorId,omitempty" xml:"actorId,attr,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" xml:"-"`
}

type EventListResponse struct {
	XMLName    xml.Name        `json:"-" xml:"events"`
	Items      []EventResponse `json:"items" xml:"event"`
	NextCursor string          `json:"nextCursor,omitempty" xml:"nextCursor,attr,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recorded events, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Repo.ListEvents(ctx, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
