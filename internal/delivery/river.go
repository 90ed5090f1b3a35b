package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inaiurai/localize/internal/events"
)

// JobArgs is the River job that carries one outbound event.
type JobArgs struct {
	Event json.RawMessage `json:"event"`
}

func (JobArgs) Kind() string { return "deliver_event" }

// InsertFunc enqueues a delivery job. Provided by main using river.Client.Insert.
type InsertFunc func(ctx context.Context, args JobArgs) error

// RiverEmitter hands events to River; the delivery worker performs and
// records the attempts.
type RiverEmitter struct {
	Insert InsertFunc
}

func (e RiverEmitter) Emit(ctx context.Context, evt events.Event) (Result, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return Result{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := e.Insert(ctx, JobArgs{Event: raw}); err != nil {
		return Result{}, fmt.Errorf("enqueue delivery: %w", err)
	}
	return Result{Queued: true}, nil
}
