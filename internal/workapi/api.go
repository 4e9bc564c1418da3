// Package workapi serves the management API used by the review UI.
package workapi

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mentodo/internal/authmw"
	"github.com/linnemanlabs/mentodo/internal/triage"
)

// WorkService defines the operations workapi exposes.
type WorkService interface {
	UncertainMessages(ctx context.Context) ([]triage.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	Taskify(ctx context.Context, messageID string) (*triage.Task, error)

	ListTasks(ctx context.Context) ([]triage.TaskDetail, error)
	CountTasks(ctx context.Context) (int, error)
	UpdateTask(ctx context.Context, id string, u triage.TaskUpdate) (*triage.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CreateGroup(ctx context.Context, taskID, title string, mergeTaskIDs []string) (*triage.TaskGroup, error)

	PendingSuggestions(ctx context.Context) ([]triage.SuggestionDetail, error)
	AcceptSuggestion(ctx context.Context, id, title string) (*triage.TaskGroup, error)
	RejectSuggestion(ctx context.Context, id string) error
}

// Option configures an API.
type Option func(*API)

// WithAllowedOrigins sets the origins allowed to call the API from a browser.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.origins = origins }
}

// API holds dependencies for the management handlers.
type API struct {
	logger  log.Logger
	svc     WorkService
	token   string
	origins []string
}

// New creates the management API. Every route requires token as a bearer token.
func New(logger log.Logger, svc WorkService, token string, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("work service is required"))
	}
	if token == "" {
		panic(xerrors.New("api token is required"))
	}
	a := &API{logger: logger, svc: svc, token: token}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches the management endpoints under /api/v1.
func (a *API) RegisterRoutes(r chi.Router) {
	c := cors.New(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(c.Handler)
		r.Use(authmw.BearerToken(a.token))

		r.Get("/messages", a.handleListMessages)
		r.Delete("/messages/{id}", a.handleDeleteMessage)
		r.Post("/messages/{id}/taskify", a.handleTaskify)

		r.Get("/tasks", a.handleListTasks)
		r.Get("/tasks/count", a.handleCountTasks)
		r.Patch("/tasks/{id}", a.handleUpdateTask)
		r.Delete("/tasks/{id}", a.handleDeleteTask)
		r.Post("/tasks/{id}/group", a.handleCreateGroup)

		r.Get("/suggestions", a.handleListSuggestions)
		r.Post("/suggestions/{id}/accept", a.handleAcceptSuggestion)
		r.Post("/suggestions/{id}/reject", a.handleRejectSuggestion)
	})
}

