// Package server exposes the engine over HTTP for the agent/session
// presentation layer: session operations, task/sprint management, event
// queries and replay diagnostics.
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

	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/eventstore"
	"sprintline/internal/replay"
	"sprintline/internal/repo"
	"sprintline/internal/workflow"
)

type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

// New returns an HTTP handler exposing the sprintline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	api := humachi.New(router, huma.DefaultConfig("Sprintline API", "0.1.0"))
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerSprints(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReplay(group, cfg.Engine)

	return router, nil
}

// handleError maps the engine error taxonomy onto HTTP statuses.
func handleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, eventstore.ErrEventNotFound) {
		return huma.Error404NotFound(err.Error())
	}
	if errors.Is(err, workflow.ErrNoActiveSession) {
		return huma.Error409Conflict(err.Error())
	}
	if errors.Is(err, repo.ErrStaleSession) {
		return huma.Error409Conflict(err.Error())
	}
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		return huma.Error409Conflict(te.Error())
	}
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return huma.Error422UnprocessableEntity(ve.Error(), err)
	}
	var ce *replay.ChainError
	if errors.As(err, &ce) {
		return huma.Error409Conflict(ce.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Get(api, "/health", func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

// --- tasks ---

type taskBody struct {
	Body domain.Task
}

func registerTasks(api huma.API, e *engine.Engine) {
	type createInput struct {
		Body struct {
			ID          string            `json:"id,omitempty"`
			SprintID    string            `json:"sprint_id,omitempty"`
			Title       string            `json:"title" minLength:"1"`
			Description string            `json:"description,omitempty"`
			Priority    string            `json:"priority,omitempty" enum:"P0,P1,P2,P3"`
			Assignee    string            `json:"assignee,omitempty"`
			Metadata    map[string]string `json:"metadata,omitempty"`
		}
	}
	huma.Post(api, "/tasks", func(ctx context.Context, in *createInput) (*taskBody, error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          in.Body.ID,
			SprintID:    in.Body.SprintID,
			Title:       in.Body.Title,
			Description: in.Body.Description,
			Priority:    in.Body.Priority,
			Assignee:    in.Body.Assignee,
			Metadata:    in.Body.Metadata,
			Actor:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	type getInput struct {
		ID string `path:"id"`
	}
	huma.Get(api, "/tasks/{id}", func(ctx context.Context, in *getInput) (*taskBody, error) {
		t, err := e.Repo.GetTask(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	type listInput struct {
		SprintID string `query:"sprint_id"`
		Status   string `query:"status"`
	}
	type listOutput struct {
		Body struct {
			Tasks []domain.Task `json:"tasks"`
		}
	}
	huma.Get(api, "/tasks", func(ctx context.Context, in *listInput) (*listOutput, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SprintID: in.SprintID, Status: in.Status})
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOutput{}
		out.Body.Tasks = tasks
		return out, nil
	})

	type updateInput struct {
		ID   string `path:"id"`
		Body struct {
			Status   string            `json:"status,omitempty"`
			Priority string            `json:"priority,omitempty"`
			Assignee *string           `json:"assignee,omitempty"`
			SprintID *string           `json:"sprint_id,omitempty"`
			Metadata map[string]string `json:"metadata,omitempty"`
			Force    bool              `json:"force,omitempty"`
		}
	}
	huma.Patch(api, "/tasks/{id}", func(ctx context.Context, in *updateInput) (*taskBody, error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          in.ID,
			Status:      in.Body.Status,
			Priority:    in.Body.Priority,
			Assignee:    in.Body.Assignee,
			SprintID:    in.Body.SprintID,
			SetMetadata: in.Body.Metadata,
			Actor:       actorFromContext(ctx),
			Force:       in.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	type artifactInput struct {
		ID   string `path:"id"`
		Body struct {
			Name string `json:"name" minLength:"1"`
		}
	}
	type artifactOutput struct {
		Body struct {
			Artifacts []string `json:"artifacts"`
		}
	}
	huma.Post(api, "/tasks/{id}/artifacts", func(ctx context.Context, in *artifactInput) (*artifactOutput, error) {
		if err := e.AddArtifact(ctx, domain.KindTask, in.ID, in.Body.Name); err != nil {
			return nil, handleError(err)
		}
		names, err := e.ListArtifacts(ctx, domain.KindTask, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &artifactOutput{}
		out.Body.Artifacts = names
		return out, nil
	})
}

// --- sprints ---

type sprintBody struct {
	Body domain.Sprint
}

func registerSprints(api huma.API, e *engine.Engine) {
	type createInput struct {
		Body struct {
			ID    string `json:"id,omitempty"`
			Title string `json:"title" minLength:"1"`
			Goal  string `json:"goal,omitempty"`
		}
	}
	huma.Post(api, "/sprints", func(ctx context.Context, in *createInput) (*sprintBody, error) {
		sp, err := e.CreateSprint(ctx, engine.SprintCreateOptions{
			ID:    in.Body.ID,
			Title: in.Body.Title,
			Goal:  in.Body.Goal,
			Actor: actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sprintBody{Body: sp}, nil
	})

	type getInput struct {
		ID string `path:"id"`
	}
	huma.Get(api, "/sprints/{id}", func(ctx context.Context, in *getInput) (*sprintBody, error) {
		sp, err := e.Repo.GetSprint(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sprintBody{Body: sp}, nil
	})

	type updateInput struct {
		ID   string `path:"id"`
		Body struct {
			Status string  `json:"status,omitempty"`
			Goal   *string `json:"goal,omitempty"`
			Force  bool    `json:"force,omitempty"`
		}
	}
	huma.Patch(api, "/sprints/{id}", func(ctx context.Context, in *updateInput) (*sprintBody, error) {
		sp, err := e.UpdateSprint(ctx, engine.SprintUpdateOptions{
			ID:     in.ID,
			Status: in.Body.Status,
			Goal:   in.Body.Goal,
			Actor:  actorFromContext(ctx),
			Force:  in.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sprintBody{Body: sp}, nil
	})
}

// --- sessions ---

func registerSessions(api huma.API, e *engine.Engine) {
	type startInput struct {
		Body struct {
			EntityKind string `json:"entity_kind" enum:"task,sprint"`
			EntityID   string `json:"entity_id" minLength:"1"`
			SessionKey string `json:"session_key,omitempty"`
		}
	}
	type stateOutput struct {
		Body workflow.SessionState
	}
	huma.Post(api, "/sessions/start", func(ctx context.Context, in *startInput) (*stateOutput, error) {
		state, err := e.Workflow.StartSession(ctx, in.Body.EntityKind, in.Body.EntityID, in.Body.SessionKey, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: state}, nil
	})

	type completeInput struct {
		Body struct {
			EntityKind string `json:"entity_kind" enum:"task,sprint"`
			EntityID   string `json:"entity_id" minLength:"1"`
			Override   bool   `json:"override,omitempty"`
			Reason     string `json:"reason,omitempty"`
		}
	}
	type nextStepOutput struct {
		Body workflow.NextStep
	}
	huma.Post(api, "/sessions/complete-phase", func(ctx context.Context, in *completeInput) (*nextStepOutput, error) {
		step, err := e.Workflow.CompletePhase(ctx, in.Body.EntityKind, in.Body.EntityID, workflow.CompleteOptions{
			Override: in.Body.Override,
			Reason:   in.Body.Reason,
			Actor:    actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &nextStepOutput{Body: step}, nil
	})

	type endInput struct {
		Body struct {
			EntityKind string `json:"entity_kind" enum:"task,sprint"`
			EntityID   string `json:"entity_id" minLength:"1"`
		}
	}
	type sessionOutput struct {
		Body domain.Session
	}
	huma.Post(api, "/sessions/end", func(ctx context.Context, in *endInput) (*sessionOutput, error) {
		sess, err := e.Workflow.EndSession(ctx, in.Body.EntityKind, in.Body.EntityID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sess}, nil
	})
}

// --- events & replay ---

func registerEvents(api huma.API, e *engine.Engine) {
	type listInput struct {
		Limit           int    `query:"limit" default:"20" maximum:"500"`
		EventType       string `query:"event_type"`
		EntityKind      string `query:"entity_kind"`
		EntityID        string `query:"entity_id"`
		IncludeArchived bool   `query:"include_archived"`
	}
	type listOutput struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}
	huma.Get(api, "/events", func(ctx context.Context, in *listInput) (*listOutput, error) {
		events, err := e.Events.Latest(ctx, in.Limit, eventstore.Filter{
			EventType:       in.EventType,
			EntityKind:      in.EntityKind,
			EntityID:        in.EntityID,
			IncludeArchived: in.IncludeArchived,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOutput{}
		out.Body.Events = events
		return out, nil
	})

	type archiveInput struct {
		ID int64 `path:"id"`
	}
	huma.Post(api, "/events/{id}/archive", func(ctx context.Context, in *archiveInput) (*struct{}, error) {
		if err := e.Events.Archive(ctx, in.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReplay(api huma.API, e *engine.Engine) {
	type chainInput struct {
		CorrelationID string `path:"correlationId"`
	}
	type chainOutput struct {
		Body replay.ChainReport
	}
	huma.Get(api, "/chains/{correlationId}/validate", func(ctx context.Context, in *chainInput) (*chainOutput, error) {
		report, err := e.Replay.ValidateChain(ctx, in.CorrelationID)
		if err != nil {
			if errors.Is(err, replay.ErrEmptyChain) {
				return nil, huma.Error404NotFound(err.Error())
			}
			return nil, handleError(err)
		}
		return &chainOutput{Body: report}, nil
	})

	type replayInput struct {
		CorrelationID string `path:"correlationId"`
		Body          struct {
			DryRun bool `json:"dry_run" default:"true"`
		}
	}
	type replayOutput struct {
		Body replay.Report
	}
	huma.Post(api, "/chains/{correlationId}/replay", func(ctx context.Context, in *replayInput) (*replayOutput, error) {
		report, err := e.Replay.Replay(ctx, in.CorrelationID, in.Body.DryRun)
		if err != nil {
			if errors.Is(err, replay.ErrEmptyChain) {
				return nil, huma.Error404NotFound(err.Error())
			}
			return nil, handleError(err)
		}
		return &replayOutput{Body: report}, nil
	})

	type reconstructInput struct {
		EntityKind string `path:"entityKind" enum:"task,sprint"`
		EntityID   string `path:"entityId"`
		At         string `query:"at" format:"date-time" doc:"cutoff timestamp; defaults to now"`
	}
	type reconstructOutput struct {
		Body struct {
			State map[string]any `json:"state,omitempty"`
			Found bool           `json:"found"`
		}
	}
	huma.Get(api, "/reconstruct/{entityKind}/{entityId}", func(ctx context.Context, in *reconstructInput) (*reconstructOutput, error) {
		at := time.Now().UTC()
		if in.At != "" {
			parsed, err := time.Parse(time.RFC3339, in.At)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid at timestamp: " + err.Error())
			}
			at = parsed
		}
		state, err := e.Replay.ReconstructState(ctx, in.EntityKind, in.EntityID, at)
		if err != nil {
			return nil, handleError(err)
		}
		out := &reconstructOutput{}
		out.Body.State = state
		out.Body.Found = state != nil
		return out, nil
	})
}
