package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/middleware"
)

// EventDispatcher routes a verified event to its handler.
type EventDispatcher interface {
	Handle(ctx context.Context, evt events.Event) error
}

// EventQueue accepts a verified event for processing after the response.
type EventQueue interface {
	Submit(evt events.Event) error
}

// EventHandler serves POST /webhooks/events. It expects middleware.SignedEvent
// to have authenticated the request and stored the event in the context.
// With a Queue the event is acknowledged with 202 once queued; without one it
// is dispatched inline.
type EventHandler struct {
	Dispatcher EventDispatcher
	Queue      EventQueue
	Logger     *slog.Logger
}

type eventResponse struct {
	Status string `json:"status"`
	Event  string `json:"event"`
}

// Receive dispatches the event. Unknown kinds are acknowledged and ignored.
func (h *EventHandler) Receive(w http.ResponseWriter, r *http.Request) {
	evt, ok := middleware.EventFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	log := h.Logger.With("event", evt.Type, "task_id", evt.TaskID, "partner", middleware.PartnerFromCtx(r.Context()))

	if !evt.Type.Known() {
		log.Warn("ignoring unknown event type")
		writeJSON(w, http.StatusOK, eventResponse{Status: "ignored", Event: string(evt.Type)})
		return
	}
	if h.Queue != nil {
		if err := h.Queue.Submit(evt); err != nil {
			// The sender records a failed attempt and retries later.
			log.Warn("event intake refused", "error", err)
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, eventResponse{Status: "accepted", Event: string(evt.Type)})
		return
	}

	// A sender hanging up must not abort a half-applied transition.
	err := h.Dispatcher.Handle(context.WithoutCancel(r.Context()), evt)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eventResponse{Status: "accepted", Event: string(evt.Type)})
	case errors.Is(err, events.ErrUnknownEvent):
		log.Warn("ignoring unknown event type")
		writeJSON(w, http.StatusOK, eventResponse{Status: "ignored", Event: string(evt.Type)})
	case errors.Is(err, events.ErrMalformedEvent):
		log.Warn("malformed event", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		log.Error("event handling failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
