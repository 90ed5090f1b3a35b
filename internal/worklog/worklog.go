// Package worklog is the durable, consumer-group work log used by the
// pull-based processing path. Entries are delivered to one member of a group
// until acknowledged; entries left pending by a dead consumer can be
// reclaimed by another.
package worklog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Step names the unit of work an entry asks for.
type Step string

const (
	StepTranslate Step = "translate"
	StepVerify    Step = "verify"
	StepReview    Step = "review"
	StepReverify  Step = "reverify"
)

const (
	DefaultGroup      = "localize-workers"
	DefaultMaxRetries = 5
	defaultClaimLimit = 100
)

var (
	// ErrPermanentFailure is returned by Retry once an entry has used its retries.
	ErrPermanentFailure = errors.New("retries exhausted")
	ErrEntryNotPending  = errors.New("entry not pending for consumer")
)

// Entry is one unit of work in the log.
type Entry struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Language   string          `json:"language"`
	Step       Step            `json:"step"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	VisibleAt  time.Time       `json:"visible_at"`
}

// Stats is the operational view of one consumer group.
type Stats struct {
	Group   string         `json:"group"`
	Length  int            `json:"length"`
	Pending map[string]int `json:"pending"`
}

// Store is the persistence behind a Log.
type Store interface {
	// Append stores e and assigns its ID.
	Append(ctx context.Context, e *Entry) error
	// ReadNew hands up to n entries never delivered to group, and visible at
	// now, to consumer.
	ReadNew(ctx context.Context, group, consumer string, n int, now time.Time) ([]Entry, error)
	// Ack clears a pending entry owned by consumer.
	Ack(ctx context.Context, group, consumer, id string) error
	// Claim moves up to n entries pending since before idleBefore to consumer.
	Claim(ctx context.Context, group, consumer string, idleBefore time.Time, n int, now time.Time) ([]Entry, error)
	Stats(ctx context.Context, group string) (Stats, error)
	// Subscribe returns a channel that receives a value after appends. It is
	// closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// Options configures a Log. Zero values take defaults.
type Options struct {
	Group      string
	MaxRetries int
	ClaimLimit int
	Backoff    Backoff
	Now        func() time.Time
}

// Log is the work log API used by producers and consumers.
type Log struct {
	store      Store
	group      string
	maxRetries int
	claimLimit int
	backoff    Backoff
	now        func() time.Time
	logger     *slog.Logger
}

func New(store Store, opts Options, logger *slog.Logger) *Log {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = defaultClaimLimit
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:      store,
		group:      opts.Group,
		maxRetries: opts.MaxRetries,
		claimLimit: opts.ClaimLimit,
		backoff:    opts.Backoff,
		now:        opts.Now,
		logger:     logger,
	}
}

// Group returns the consumer group this log reads as.
func (l *Log) Group() string { return l.group }

// Enqueue appends e and notifies subscribers.
func (l *Log) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if e.TaskID == "" || e.Step == "" {
		return Entry{}, fmt.Errorf("enqueue: task id and step are required")
	}
	now := l.now().UTC()
	e.ID = ""
	e.Timestamp = now
	if e.VisibleAt.IsZero() {
		e.VisibleAt = now
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = l.maxRetries
	}
	if err := l.store.Append(ctx, &e); err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}
	l.logger.Debug("work log entry enqueued", "entry_id", e.ID, "task_id", e.TaskID, "language", e.Language, "step", e.Step, "retry", e.RetryCount)
	return e, nil
}

// Consume reads up to n unread entries on behalf of consumer.
func (l *Log) Consume(ctx context.Context, consumer string, n int) ([]Entry, error) {
	if n <= 0 {
		n = 1
	}
	entries, err := l.store.ReadNew(ctx, l.group, consumer, n, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return entries, nil
}

// Acknowledge marks an entry processed. Unacknowledged entries stay pending.
func (l *Log) Acknowledge(ctx context.Context, consumer, id string) error {
	if err := l.store.Ack(ctx, l.group, consumer, id); err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	return nil
}

// Reclaim transfers entries pending for at least minIdle to consumer.
func (l *Log) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Entry, error) {
	now := l.now().UTC()
	entries, err := l.store.Claim(ctx, l.group, consumer, now.Add(-minIdle), l.claimLimit, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(entries) > 0 {
		l.logger.Info("reclaimed idle work log entries", "consumer", consumer, "count", len(entries))
	}
	return entries, nil
}

// Retry re-enqueues e with one more retry, delayed by backoff, and the cause
// attached. Once e has used MaxRetries it returns ErrPermanentFailure and
// enqueues nothing.
func (l *Log) Retry(ctx context.Context, e Entry, cause error) (Entry, error) {
	maxRetries := e.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.maxRetries
	}
	if e.RetryCount >= maxRetries {
		return Entry{}, fmt.Errorf("%w: entry %s (%s %s/%s) after %d retries: %v",
			ErrPermanentFailure, e.ID, e.Step, e.TaskID, e.Language, e.RetryCount, cause)
	}
	delay := l.backoff.Delay(e.RetryCount)
	next := e
	next.ID = ""
	next.RetryCount = e.RetryCount + 1
	next.MaxRetries = maxRetries
	next.VisibleAt = l.now().UTC().Add(delay)
	if cause != nil {
		next.LastError = cause.Error()
	}
	queued, err := l.Enqueue(ctx, next)
	if err != nil {
		return Entry{}, err
	}
	l.logger.Warn("work log entry scheduled for retry",
		"entry_id", e.ID, "retry_entry_id", queued.ID, "task_id", e.TaskID, "language", e.Language,
		"step", e.Step, "retry", queued.RetryCount, "delay", delay, "error", cause)
	return queued, nil
}

// Stats returns the unread length and per-consumer pending counts.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	st, err := l.store.Stats(ctx, l.group)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Notifications returns a channel that fires after entries are appended.
func (l *Log) Notifications(ctx context.Context) (<-chan struct{}, error) {
	return l.store.Subscribe(ctx)
}
