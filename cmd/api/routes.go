package main

import (
	"net/http"

	"github.com/inaiurai/localize/internal/handlers"
	"github.com/inaiurai/localize/internal/middleware"
	"github.com/inaiurai/localize/internal/router"
	"github.com/inaiurai/localize/internal/services"
	"github.com/inaiurai/localize/internal/signing"
)

// buildRouter mounts the webhook and management routes.
// Webhook chain: SignedEvent (parse -> validate -> verify) -> EventHandler -> Intake.
// Management chain: OperatorAuth -> TaskHandler / WorklogHandler.
func buildRouter(a *app) (http.Handler, error) {
	validator, err := services.NewValidator()
	if err != nil {
		return nil, err
	}

	cfg := router.Config{
		Tasks:          &handlers.TaskHandler{Service: a.service, Logger: a.logger},
		Events:         &handlers.EventHandler{Dispatcher: a.service, Queue: a.intake, Logger: a.logger},
		SignedEvent:    middleware.SignedEvent(validator, signing.Verifier{}, a.cfg.SigningPartners(), a.logger),
		Operator:       middleware.OperatorAuth([]byte(a.cfg.Operator.JWTSecret)),
		AllowedOrigins: a.cfg.HTTP.CORSOrigins,
	}
	if a.worklog != nil {
		cfg.Worklog = &handlers.WorklogHandler{Log: a.worklog, Logger: a.logger}
	}
	if a.cfg.Operator.JWTSecret == "" {
		a.logger.Warn("operator.jwt_secret is empty; management API is unauthenticated")
	}
	return router.New(cfg), nil
}
