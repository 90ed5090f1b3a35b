package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/events"
)

// Deliverer performs and records one delivery attempt.
type Deliverer interface {
	Deliver(ctx context.Context, evt events.Event) (delivery.Result, error)
}

// DeliverEventWorker sends queued outbound events. Failed attempts are
// returned to River, which retries them up to the job's max attempts.
type DeliverEventWorker struct {
	river.WorkerDefaults[delivery.JobArgs]
	deliverer Deliverer
	logger    *slog.Logger
}

func NewDeliverEventWorker(d Deliverer, logger *slog.Logger) *DeliverEventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliverEventWorker{deliverer: d, logger: logger}
}

func (w *DeliverEventWorker) Work(ctx context.Context, job *river.Job[delivery.JobArgs]) error {
	var evt events.Event
	if err := json.Unmarshal(job.Args.Event, &evt); err != nil {
		// Retrying cannot fix a body that does not decode.
		w.logger.Error("discarding undecodable delivery job", "job_id", job.ID, "error", err)
		return river.JobCancel(fmt.Errorf("decode event: %w", err))
	}
	res, err := w.deliverer.Deliver(ctx, evt)
	if errors.Is(err, delivery.ErrQuotaExhausted) {
		w.logger.Warn("outbound quota exhausted, not retrying", "task_id", evt.TaskID, "event", evt.Type, "attempt", res.Attempt)
		return nil
	}
	if err != nil {
		w.logger.Warn("delivery attempt failed", "task_id", evt.TaskID, "event", evt.Type,
			"attempt", res.Attempt, "job_attempt", job.Attempt, "status", res.StatusCode, "error", err)
		return fmt.Errorf("deliver %s: %w", evt.Type, err)
	}
	w.logger.Info("event delivered", "task_id", evt.TaskID, "event", evt.Type, "attempt", res.Attempt, "status", res.StatusCode)
	return nil
}
