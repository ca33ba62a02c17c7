package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"todochain/internal/advisory"
	"todochain/internal/auth"
	"todochain/internal/domain"
	"todochain/internal/engine"
	"todochain/internal/ledger"
	"todochain/internal/push"
	"todochain/internal/reminder"
	"todochain/internal/repo"
)

// Notifier broadcasts a push message; *push.Sender implements it.
type Notifier interface {
	Broadcast(ctx context.Context, message string) (push.BroadcastResult, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Auth     AuthConfig
	Push     *push.Registry
	Notifier Notifier
	Reminder *reminder.Scheduler
	Repo     repo.Repo
	BasePath string
}

// apiError is the handler error envelope: {"error": "..."}.
type apiError struct {
	status  int
	Message string   `json:"error" example:"task not found"`
	Details []string `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// authFailure keeps the verify-signature response shape on failure.
type authFailure struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (e *authFailure) GetStatus() int { return e.status }
func (e *authFailure) Error() string  { return e.Message }

// New returns an HTTP handler exposing the todochain API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, errs...)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		return newAPIError(status, msg, errs...)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("todochain API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Auth)
	registerTasks(group, cfg.Engine)
	registerAI(group, cfg.Engine)
	registerNotifications(group, cfg.Push, cfg.Notifier)
	registerReminder(group, cfg.Reminder)
	registerEvents(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, msg string, errs ...error) huma.StatusError {
	e := &apiError{status: status, Message: msg}
	for _, err := range errs {
		if err != nil {
			e.Details = append(e.Details, err.Error())
		}
	}
	return e
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var le *ledger.Error
	var ae *advisory.Error
	switch {
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrNoTasks),
		errors.Is(err, push.ErrInvalidSubscription):
		return newAPIError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrTaskNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrPending):
		return newAPIError(http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &le), errors.Is(err, ledger.ErrCallFailed):
		return newAPIError(http.StatusBadGateway, err.Error())
	case errors.Is(err, advisory.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &ae):
		return newAPIError(http.StatusBadGateway, "Error generating AI advice.", err)
	default:
		return newAPIError(http.StatusInternalServerError, err.Error())
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	errSchema := &huma.Schema{
		Type:       "object",
		Properties: map[string]*huma.Schema{"error": {Type: "string"}},
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/verify-signature", "notification/subscribe"} {
		public[path.Join("/", basePath, p)] = true
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>todochain API Docs</title>
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
      Sign a message with your wallet, exchange it at POST /auth/verify-signature,
      then send Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-signature",
		Method:      http.MethodPost,
		Path:        "/auth/verify-signature",
		Summary:     "Exchange a signed message for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body VerifySignatureRequest `json:"body"`
	}) (*struct {
		Body VerifySignatureResponse `json:"body"`
	}, error) {
		cred, err := cfg.Verifier.Verify(input.Body.Address, input.Body.Message, input.Body.Signature)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidSignature) {
				return nil, &authFailure{status: http.StatusUnauthorized, Message: "Authentication failed."}
			}
			cfg.logger().Printf("verify signature: %v", err)
			return nil, &authFailure{status: http.StatusInternalServerError, Message: "Error verifying signature."}
		}
		return &struct {
			Body VerifySignatureResponse `json:"body"`
		}{Body: VerifySignatureResponse{Success: true, Message: "Authentication successful!", Token: cred.Token}}, nil
	})
}

type taskWriteOutput struct {
	Body TaskWriteResponse `json:"body"`
}

func taskWritten(msg string, r domain.Receipt) *taskWriteOutput {
	return &taskWriteOutput{Body: TaskWriteResponse{Message: msg, Receipt: r}}
}

var taskWriteErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusGatewayTimeout,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/count",
		Summary:     "Count tasks",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body uint64 `json:"body"`
	}, error) {
		n, err := e.CountTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body uint64 `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks/create",
		Summary:     "Create task",
		Errors:      taskWriteErrors,
	}, func(ctx context.Context, input *struct {
		Body TaskRequest `json:"body"`
	}) (*taskWriteOutput, error) {
		receipt, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Fields:  input.Body.fields(),
			ActorID: actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return taskWritten("Task created", receipt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Edit task",
		Errors:      taskWriteErrors,
	}, func(ctx context.Context, input *struct {
		ID   uint64      `path:"id"`
		Body TaskRequest `json:"body"`
	}) (*taskWriteOutput, error) {
		receipt, err := e.EditTask(ctx, engine.TaskEditOptions{
			ID:      input.ID,
			Fields:  input.Body.fields(),
			ActorID: actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return taskWritten("Task edited", receipt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/complete",
		Summary:     "Mark task completed",
		Errors:      taskWriteErrors,
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*taskWriteOutput, error) {
		receipt, err := e.CompleteTask(ctx, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWritten("Task status updated", receipt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      taskWriteErrors,
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*taskWriteOutput, error) {
		receipt, err := e.DeleteTask(ctx, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWritten("Task deleted", receipt), nil
	})
}

func registerAI(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-advice",
		Method:      http.MethodPost,
		Path:        "/ai/get-advice",
		Summary:     "Draft advice for a task, persisting it when id is given",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AdviceRequest `json:"body"`
	}) (*struct {
		Body string `json:"body"`
	}, error) {
		b := input.Body
		fields := domain.TaskFields{
			Title:       b.Title,
			Description: b.Description,
			Priority:    b.Priority,
			Progress:    b.Progress,
			Deadline:    b.Deadline,
		}
		res, err := e.RefreshAdvice(ctx, engine.AdviceOptions{
			ID:        b.ID,
			Fields:    fields,
			Completed: b.Completed,
			ActorID:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body string `json:"body"`
		}{Body: res.Advice}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "prioritize-tasks",
		Method:      http.MethodPost,
		Path:        "/ai/prioritize-task",
		Summary:     "Suggest an order for tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body PrioritizeRequest `json:"body" required:"false"`
	}) (*struct {
		Body string `json:"body"`
	}, error) {
		out, err := e.Prioritize(ctx, input.Body.tasks())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body string `json:"body"`
		}{Body: out}, nil
	})
}

func registerNotifications(api huma.API, reg *push.Registry, notifier Notifier) {
	huma.Register(api, huma.Operation{
		OperationID: "subscribe",
		Method:      http.MethodPost,
		Path:        "/notification/subscribe",
		Summary:     "Store a browser push subscription",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubscribeRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if reg == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "push notifications are not configured")
		}
		raw, err := json.Marshal(input.Body.Subscription)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid subscription", err)
		}
		added, err := reg.Subscribe(ctx, raw, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		msg := "Already subscribed!"
		if added {
			msg = "Subscription saved!"
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-notification",
		Method:      http.MethodPost,
		Path:        "/notification/sendNotification",
		Summary:     "Push a message to every subscription",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SendNotificationRequest `json:"body"`
	}) (*struct {
		Body SendNotificationResponse `json:"body"`
	}, error) {
		if notifier == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "push delivery is not configured")
		}
		res, err := notifier.Broadcast(ctx, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SendNotificationResponse `json:"body"`
		}{Body: SendNotificationResponse{Message: "Notification sent to all subscribers!", BroadcastResult: res}}, nil
	})
}

func registerReminder(api huma.API, s *reminder.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "reminder-status",
		Method:      http.MethodGet,
		Path:        "/reminder/status",
		Summary:     "Reminder job status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReminderStatusResponse `json:"body"`
	}, error) {
		resp := ReminderStatusResponse{Enabled: s != nil}
		if s != nil {
			resp.Status = s.Snapshot()
		}
		return &struct {
			Body ReminderStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reminder-run",
		Method:      http.MethodPost,
		Path:        "/reminder/run",
		Summary:     "Run the overdue reminder job now",
		Errors:      []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reminder.RunResult `json:"body"`
	}, error) {
		if s == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "reminder job is not configured")
		}
		res, err := s.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Overdue == nil {
			res.Overdue = []domain.Task{}
		}
		return &struct {
			Body reminder.RunResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,subscription,reminder"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if r.DB == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "event log is not configured")
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid cursor")
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, repo.EventFilters{
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

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
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
