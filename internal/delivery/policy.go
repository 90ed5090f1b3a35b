package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/inaiurai/localize/internal/events"
)

// Policy decides which delivery failures reach the caller. Quota exhaustion
// is always logged and swallowed; other failures are swallowed unless
// SurfaceErrors is set.
type Policy struct {
	Next          Emitter
	SurfaceErrors bool
	Logger        *slog.Logger
}

func (p Policy) Emit(ctx context.Context, evt events.Event) (Result, error) {
	res, err := p.Next.Emit(ctx, evt)
	if err == nil {
		return res, nil
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if errors.Is(err, ErrQuotaExhausted) {
		logger.Warn("outbound quota exhausted, continuing", "task_id", evt.TaskID, "event", evt.Type)
		return res, nil
	}
	if !p.SurfaceErrors {
		logger.Warn("event delivery failed", "task_id", evt.TaskID, "event", evt.Type, "attempt", res.Attempt, "error", err)
		return res, nil
	}
	return res, err
}
