// Package server exposes the dispatch facade and audit query surface over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"spawnd/internal/audit"
	"spawnd/internal/dispatch"
	"spawnd/internal/domain"
	"spawnd/internal/isolation"
	"spawnd/internal/registry"
)

// Config for the HTTP API handler.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_agent_type"`
	Message string         `json:"message" example:"unknown agent type \"nonexistent\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the spawn API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("server requires a dispatcher")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Spawnd API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAgentTypes(group, cfg.Dispatcher)
	registerRegistryReload(group, cfg.Dispatcher)
	registerSpawns(group, cfg.Dispatcher)
	registerAudit(group, cfg.Dispatcher)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrUnknownAgentType):
		return newAPIError(http.StatusNotFound, "unknown_agent_type", err.Error(), nil)
	case errors.Is(err, isolation.ErrInvalidWorkspace):
		return newAPIError(http.StatusBadRequest, "invalid_workspace", err.Error(), nil)
	case errors.Is(err, dispatch.ErrEmptyTask):
		return newAPIError(http.StatusBadRequest, "empty_task", err.Error(), nil)
	case errors.Is(err, dispatch.ErrRunnerNotConfigured):
		return newAPIError(http.StatusInternalServerError, "runner_not_configured", err.Error(), nil)
	case errors.Is(err, audit.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "request_cancelled", "request cancelled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

func registerAgentTypes(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agent-types",
		Method:      http.MethodGet,
		Path:        "/agent-types",
		Summary:     "List registered agent types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentTypeSpec `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AgentTypeSpec `json:"body"`
		}{Body: d.ListAgentTypes()}, nil
	})
}

func registerRegistryReload(api huma.API, d *dispatch.Dispatcher) {
	type reloadOutput struct {
		Body struct {
			AgentTypes int `json:"agent_types"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "reload-registry",
		Method:      http.MethodPost,
		Path:        "/registry/reload",
		Summary:     "Reload the agent type registry",
		Description: "Re-reads the registry file and swaps in the validated set. A failed reload leaves the previous set serving.",
	}, func(ctx context.Context, _ *struct{}) (*reloadOutput, error) {
		if err := d.Registry.Reload(); err != nil {
			return nil, newAPIError(http.StatusConflict, "registry_reload_failed", err.Error(), nil)
		}
		out := &reloadOutput{}
		out.Body.AgentTypes = len(d.Registry.List())
		return out, nil
	})
}

func registerSpawns(api huma.API, d *dispatch.Dispatcher) {
	type spawnInput struct {
		Body struct {
			AgentType      string `json:"agent_type" minLength:"1"`
			Task           string `json:"task" minLength:"1"`
			WorkspaceDir   string `json:"workspace_dir" minLength:"1"`
			TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "spawn-agent",
		Method:      http.MethodPost,
		Path:        "/spawns",
		Summary:     "Spawn a worker for one task",
		Description: "Runs the task synchronously and returns the terminal result. The estimated cost is the agent type's flat per-task figure, not a metered actual.",
	}, func(ctx context.Context, input *spawnInput) (*struct {
		Body domain.SpawnResult `json:"body"`
	}, error) {
		req := domain.SpawnRequest{
			AgentType:      input.Body.AgentType,
			Task:           input.Body.Task,
			WorkspaceDir:   input.Body.WorkspaceDir,
			TimeoutSeconds: input.Body.TimeoutSeconds,
		}
		if p, ok := principalFromContext(ctx); ok {
			req.RequestedBy = p.Subject
		}
		res, err := d.SpawnAgent(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SpawnResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAudit(api huma.API, d *dispatch.Dispatcher) {
	type auditQuery struct {
		AgentType    string `query:"agent_type"`
		WorkspaceDir string `query:"workspace_dir"`
		Status       string `query:"status" enum:",success,failure,timeout,error"`
		Since        string `query:"since"`
		Until        string `query:"until"`
		Limit        int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-records",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query spawn audit records",
	}, func(ctx context.Context, input *auditQuery) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		recs, err := d.Store.Query(ctx, audit.Filter{
			AgentType:    input.AgentType,
			WorkspaceDir: input.WorkspaceDir,
			Status:       input.Status,
			Since:        input.Since,
			Until:        input.Until,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: recs}, nil
	})

	type auditPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-record",
		Method:      http.MethodGet,
		Path:        "/audit/records/{id}",
		Summary:     "Fetch one audit record",
	}, func(ctx context.Context, input *auditPath) (*struct {
		Body domain.AuditRecord `json:"body"`
	}, error) {
		rec, err := d.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditRecord `json:"body"`
		}{Body: rec}, nil
	})

	type summaryQuery struct {
		Since string `query:"since"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "audit-summary",
		Method:      http.MethodGet,
		Path:        "/audit/summary",
		Summary:     "Aggregate cost and outcome per agent type",
	}, func(ctx context.Context, input *summaryQuery) (*struct {
		Body []domain.CostSummary `json:"body"`
	}, error) {
		sums, err := d.Store.Summarize(ctx, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CostSummary `json:"body"`
		}{Body: sums}, nil
	})
}
