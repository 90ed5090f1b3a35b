package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/inaiurai/localize/internal/events"
)

var (
	ErrIntakeFull    = errors.New("event intake queue is full")
	ErrIntakeStopped = errors.New("event intake is stopped")
)

// EventDispatcher applies one verified inbound event.
type EventDispatcher interface {
	Handle(ctx context.Context, evt events.Event) error
}

// IntakeConfig sizes the inbound event pool.
type IntakeConfig struct {
	Workers int
	Depth   int
}

// Intake processes accepted webhook events off the request goroutine, so a
// sender's attempt completes once the event is queued rather than when the
// rest of the pipeline it triggers has run.
type Intake struct {
	dispatcher EventDispatcher
	cfg        IntakeConfig
	logger     *slog.Logger

	queue chan events.Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewIntake(d EventDispatcher, cfg IntakeConfig, logger *slog.Logger) *Intake {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		queue:      make(chan events.Event, cfg.Depth),
	}
}

// Start launches the workers. Handling runs on a context detached from ctx's
// cancellation so Stop drains the queue instead of aborting transitions.
func (in *Intake) Start(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started || in.closed {
		return
	}
	in.started = true
	base := context.WithoutCancel(ctx)
	for i := 0; i < in.cfg.Workers; i++ {
		in.wg.Add(1)
		go in.worker(base)
	}
	in.logger.Info("event intake started", "workers", in.cfg.Workers, "depth", in.cfg.Depth)
}

// Submit queues evt without blocking.
func (in *Intake) Submit(evt events.Event) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrIntakeStopped
	}
	select {
	case in.queue <- evt:
		return nil
	default:
		return ErrIntakeFull
	}
}

// Stop refuses new events and waits until the queued ones are handled.
func (in *Intake) Stop() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.queue)
	in.mu.Unlock()
	in.wg.Wait()
	in.logger.Info("event intake stopped")
}

// Pending is the number of queued events not yet picked up.
func (in *Intake) Pending() int {
	return len(in.queue)
}

func (in *Intake) worker(ctx context.Context) {
	defer in.wg.Done()
	for evt := range in.queue {
		log := in.logger.With("event", evt.Type, "task_id", evt.TaskID)
		err := in.dispatcher.Handle(ctx, evt)
		switch {
		case err == nil:
		case errors.Is(err, events.ErrUnknownEvent):
			log.Warn("ignoring unknown event type")
		case errors.Is(err, events.ErrMalformedEvent):
			log.Warn("malformed event", "error", err)
		default:
			log.Error("event handling failed", "error", err)
		}
	}
}
