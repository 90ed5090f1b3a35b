package router

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/inaiurai/localize/internal/handlers"
)

// Config holds the handlers and middleware the router mounts.
type Config struct {
	Tasks   *handlers.TaskHandler
	Events  *handlers.EventHandler
	Worklog *handlers.WorklogHandler

	// SignedEvent authenticates inbound events before Events sees them.
	SignedEvent func(http.Handler) http.Handler
	// Operator guards the management API. Nil leaves it open.
	Operator func(http.Handler) http.Handler

	AllowedOrigins []string
}

// New returns the service's http.Handler: the partner webhook at
// /webhooks/events and the management API under /v1.
func New(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.Health)
	mux.Handle("POST /webhooks/events", cfg.SignedEvent(http.HandlerFunc(cfg.Events.Receive)))

	op := cfg.Operator
	if op == nil {
		op = func(h http.Handler) http.Handler { return h }
	}
	mux.Handle("POST /v1/tasks", op(http.HandlerFunc(cfg.Tasks.CreateTask)))
	mux.Handle("GET /v1/tasks", op(http.HandlerFunc(cfg.Tasks.ListTasks)))
	mux.Handle("GET /v1/tasks/{id}", op(http.HandlerFunc(cfg.Tasks.GetTask)))
	mux.Handle("DELETE /v1/tasks/{id}", op(http.HandlerFunc(cfg.Tasks.DeleteTask)))
	mux.Handle("POST /v1/tasks/{id}/retrigger", op(http.HandlerFunc(cfg.Tasks.Retrigger)))
	if cfg.Worklog != nil {
		mux.Handle("GET /v1/worklog/stats", op(http.HandlerFunc(cfg.Worklog.Stats)))
	}

	if len(cfg.AllowedOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}
