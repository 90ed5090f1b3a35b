package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inaiurai/localize/internal/worklog"
)

// StepProcessor runs work-log steps.
type StepProcessor interface {
	ProcessStep(ctx context.Context, e worklog.Entry) error
	FailStep(ctx context.Context, e worklog.Entry, cause error) error
}

// WorkLog is the subset of worklog.Log a consumer uses.
type WorkLog interface {
	Consume(ctx context.Context, consumer string, n int) ([]worklog.Entry, error)
	Acknowledge(ctx context.Context, consumer, id string) error
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]worklog.Entry, error)
	Retry(ctx context.Context, e worklog.Entry, cause error) (worklog.Entry, error)
	Notifications(ctx context.Context) (<-chan struct{}, error)
}

type ConsumerConfig struct {
	Name         string
	BatchSize    int
	MinIdle      time.Duration
	PollInterval time.Duration
}

// Consumer pulls entries for one named member of the consumer group,
// processes them and acknowledges them. Failed entries are re-enqueued with
// backoff; entries abandoned by dead consumers are reclaimed every MinIdle.
type Consumer struct {
	log    WorkLog
	proc   StepProcessor
	cfg    ConsumerConfig
	logger *slog.Logger

	lastReclaim time.Time
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(log WorkLog, proc StepProcessor, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		log:    log,
		proc:   proc,
		cfg:    cfg,
		logger: logger.With("consumer", cfg.Name),
		now:    time.Now,
	}
}

// Start runs the consumer loop in the background until Stop or ctx is done.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the batch in flight.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Run blocks, polling on every tick and on every append notification.
func (c *Consumer) Run(ctx context.Context) {
	notify, err := c.log.Notifications(ctx)
	if err != nil {
		c.logger.Warn("work log notifications unavailable, polling only", "error", err)
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	c.logger.Info("work log consumer started", "batch_size", c.cfg.BatchSize, "min_idle", c.cfg.MinIdle)

	for {
		for {
			n, err := c.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("work log poll failed", "error", err)
			}
			if n < c.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			c.logger.Info("work log consumer stopped")
			return
		case <-ticker.C:
		case _, ok := <-notify:
			if !ok {
				notify = nil
			}
		}
	}
}

// Poll runs one cycle: reclaim when due, then read and process a batch. It
// returns the number of entries processed.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	var entries []worklog.Entry
	if now := c.now(); now.Sub(c.lastReclaim) >= c.cfg.MinIdle {
		c.lastReclaim = now
		claimed, err := c.log.Reclaim(ctx, c.cfg.Name, c.cfg.MinIdle)
		if err != nil {
			c.logger.Warn("reclaim failed", "error", err)
		}
		entries = append(entries, claimed...)
	}
	fresh, err := c.log.Consume(ctx, c.cfg.Name, c.cfg.BatchSize)
	entries = append(entries, fresh...)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		c.handle(ctx, e)
	}
	return len(entries), err
}

func (c *Consumer) handle(ctx context.Context, e worklog.Entry) {
	log := c.logger.With("entry_id", e.ID, "task_id", e.TaskID, "language", e.Language, "step", e.Step)
	procErr := c.proc.ProcessStep(ctx, e)
	if procErr != nil {
		_, err := c.log.Retry(ctx, e, procErr)
		switch {
		case errors.Is(err, worklog.ErrPermanentFailure):
			log.Error("step failed permanently", "retries", e.RetryCount, "error", procErr)
			if ferr := c.proc.FailStep(ctx, e, procErr); ferr != nil {
				log.Error("mark step failed", "error", ferr)
			}
		case err != nil:
			// Leave it pending; it is reclaimed after MinIdle.
			log.Error("re-enqueue failed step", "error", err)
			return
		}
	}
	if err := c.log.Acknowledge(ctx, c.cfg.Name, e.ID); err != nil {
		log.Warn("acknowledge failed", "error", err)
		return
	}
	if procErr == nil {
		log.Debug("step processed")
	}
}
