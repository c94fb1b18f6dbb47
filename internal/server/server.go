package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/heartbeat"
	"opsloop/internal/repo"
	"opsloop/internal/trigger"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Heartbeat *heartbeat.Scheduler
	BasePath  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"proposal not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsloop API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	hcfg := huma.DefaultConfig("Opsloop API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerActionRuns(group, cfg.Engine)
	registerTriggers(group, cfg.Engine)
	registerReactions(group, cfg.Engine)
	registerHeartbeat(group, cfg.Engine, cfg.Heartbeat)

	return router, nil
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not pending"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown action"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status := "ok"
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unreachable", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResultResponse `json:"body"`
	}, error) {
		res, err := e.CreateProposal(ctx, engine.ProposalCreateOptions{
			AgentID: input.Body.AgentID,
			Kind:    input.Body.Kind,
			Title:   input.Body.Title,
			Body:    input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,approved,rejected,completed" required:"false"`
		Kind    string `query:"kind" required:"false"`
		AgentID string `query:"agent_id" required:"false"`
		Limit   int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			Status:  input.Status,
			Kind:    input.Kind,
			AgentID: input.AgentID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if proposals == nil {
			proposals = []domain.Proposal{}
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: proposals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/approve",
		Summary:     "Approve proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResultResponse `json:"body"`
	}, error) {
		res, err := e.ApproveProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       RejectProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := e.RejectProposal(ctx, input.ProposalID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,failed" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		missions, err := e.Repo.ListMissions(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if missions == nil {
			missions = []domain.Mission{}
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: missions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionDetailResponse `json:"body"`
	}, error) {
		m, steps, err := e.MissionDetail(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		if steps == nil {
			steps = []domain.Step{}
		}
		return &struct {
			Body MissionDetailResponse `json:"body"`
		}{Body: MissionDetailResponse{Mission: m, Steps: steps}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind" required:"false"`
		After int64  `query:"after" required:"false"`
		Limit int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		var evts []domain.Event
		var err error
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, input.After, input.Kind, input.Limit)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit, input.Kind)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PolicyEntry `json:"body"`
	}, error) {
		policies, err := e.Repo.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if policies == nil {
			policies = []domain.PolicyEntry{}
		}
		return &struct {
			Body []domain.PolicyEntry `json:"body"`
		}{Body: policies}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy",
		Method:      http.MethodPut,
		Path:        "/policies/{key}",
		Summary:     "Set policy value",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Key  string           `path:"key"`
		Body SetPolicyRequest `json:"body"`
	}) (*struct {
		Body domain.PolicyEntry `json:"body"`
	}, error) {
		if len(input.Body.Value) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "value is required", nil)
		}
		if err := e.Repo.SetPolicy(ctx, input.Key, string(input.Body.Value)); err != nil {
			return nil, handleError(err)
		}
		entry, err := e.Repo.GetPolicy(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PolicyEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func registerActionRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-action-runs",
		Method:      http.MethodGet,
		Path:        "/action-runs",
		Summary:     "List heartbeat action runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.ActionRun `json:"body"`
	}, error) {
		runs, err := e.Repo.ListActionRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.ActionRun{}
		}
		return &struct {
			Body []domain.ActionRun `json:"body"`
		}{Body: runs}, nil
	})
}

func registerTriggers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List triggers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Trigger `json:"body"`
	}, error) {
		triggers, err := e.Repo.ListTriggers(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		if triggers == nil {
			triggers = []domain.Trigger{}
		}
		return &struct {
			Body []domain.Trigger `json:"body"`
		}{Body: triggers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Create trigger",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTriggerRequest `json:"body"`
	}) (*struct {
		Body domain.Trigger `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.EventKind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event_kind is required", nil)
		}
		if _, err := trigger.DecodeAction(string(input.Body.Action)); err != nil {
			return nil, handleError(err)
		}
		condition := "{}"
		if len(input.Body.Condition) > 0 {
			if _, err := trigger.DecodeCondition(string(input.Body.Condition)); err != nil {
				return nil, handleError(err)
			}
			condition = string(input.Body.Condition)
		}
		enabled := true
		if input.Body.Enabled != nil {
			enabled = *input.Body.Enabled
		}
		latest, err := e.Repo.LatestEventID(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		t := domain.Trigger{
			ID:            uuid.New().String(),
			Name:          input.Body.Name,
			EventKind:     input.Body.EventKind,
			ConditionJSON: condition,
			ActionJSON:    string(input.Body.Action),
			Enabled:       enabled,
			CooldownS:     input.Body.CooldownS,
			LastEventID:   latest,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertTrigger(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trigger `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-trigger",
		Method:      http.MethodPatch,
		Path:        "/triggers/{trigger_id}",
		Summary:     "Enable or disable trigger",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TriggerID string               `path:"trigger_id"`
		Body      UpdateTriggerRequest `json:"body"`
	}) (*struct {
		Body domain.Trigger `json:"body"`
	}, error) {
		if input.Body.Enabled == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "enabled is required", nil)
		}
		if err := e.Repo.SetTriggerEnabled(ctx, input.TriggerID, *input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTrigger(ctx, input.TriggerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trigger `json:"body"`
		}{Body: t}, nil
	})
}

func registerReactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reactions",
		Method:      http.MethodGet,
		Path:        "/reactions",
		Summary:     "List reactions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,processing,completed,failed" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Reaction `json:"body"`
	}, error) {
		reactions, err := e.Repo.ListReactions(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if reactions == nil {
			reactions = []domain.Reaction{}
		}
		return &struct {
			Body []domain.Reaction `json:"body"`
		}{Body: reactions}, nil
	})
}

func registerHeartbeat(api huma.API, e engine.Engine, hb *heartbeat.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-tick",
		Method:      http.MethodPost,
		Path:        "/heartbeat/tick",
		Summary:     "Run one heartbeat tick",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		// Failed actions are recorded per-run; the tick still reports what
		// happened instead of erroring.
		_ = hb.Tick(ctx)
		runs, err := e.Repo.ListActionRuns(ctx, 10)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.ActionRun{}
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: TickResponse{Runs: runs}}, nil
	})
}
