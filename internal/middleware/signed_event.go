package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/signing"
)

type contextKey string

const (
	ctxEventKey   contextKey = "event"
	ctxPartnerKey contextKey = "partner"
)

// MaxEventBytes bounds an inbound event body.
const MaxEventBytes = 1 << 20

// EventValidator checks envelope and payload structure.
type EventValidator interface {
	ParseEvent(raw []byte) (events.Event, error)
	ValidatePayload(evt events.Event) error
}

// RequestVerifier authenticates a raw body against the partner headers.
type RequestVerifier interface {
	VerifyRequest(h http.Header, body []byte, partners []signing.Partner) (signing.Partner, error)
}

// SignedEvent reads the body, validates its structure (400) and then its
// signature (401), and stores the decoded event and partner in the request
// context. The body is replaced so handlers can re-read it. Authentication
// failures get a generic body; the reason is only logged.
func SignedEvent(validator EventValidator, verifier RequestVerifier, partners []signing.Partner, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
			if err != nil {
				http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			evt, err := validator.ParseEvent(body)
			if err != nil {
				logger.Warn("rejected malformed event", "error", err)
				http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
				return
			}
			if err := validator.ValidatePayload(evt); err != nil {
				logger.Warn("rejected event payload", "event", evt.Type, "task_id", evt.TaskID, "error", err)
				http.Error(w, `{"error":"malformed event payload"}`, http.StatusBadRequest)
				return
			}

			partner, err := verifier.VerifyRequest(r.Header, body, partners)
			if err != nil {
				logger.Warn("rejected unauthenticated event", "event", evt.Type, "task_id", evt.TaskID, "reason", authReason(err))
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxEventKey, evt)
			ctx = context.WithValue(ctx, ctxPartnerKey, partner.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authReason(err error) string {
	switch {
	case errors.Is(err, signing.ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, signing.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, signing.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, signing.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, signing.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return err.Error()
	}
}

// EventFromCtx returns the verified event set by SignedEvent.
func EventFromCtx(ctx context.Context) (events.Event, bool) {
	evt, ok := ctx.Value(ctxEventKey).(events.Event)
	return evt, ok
}

// WithEvent returns a context carrying evt, as SignedEvent would.
func WithEvent(ctx context.Context, evt events.Event) context.Context {
	return context.WithValue(ctx, ctxEventKey, evt)
}

// PartnerFromCtx returns the name of the partner that signed the event.
func PartnerFromCtx(ctx context.Context) string {
	name, _ := ctx.Value(ctxPartnerKey).(string)
	return name
}
