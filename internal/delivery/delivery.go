// Package delivery signs outbound events, posts them to the configured
// destination and records every attempt in the owning task's delivery log.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/signing"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrQuotaExhausted marks a 429 from the destination. Callers treat it as
	// non-fatal because sub-task state is already durable.
	ErrQuotaExhausted = errors.New("delivery quota exhausted")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Result is the outcome of one Emit call.
type Result struct {
	Outcome     string
	Attempt     int
	StatusCode  int
	Destination string
	Queued      bool
}

// Emitter sends one event.
type Emitter interface {
	Emit(ctx context.Context, evt events.Event) (Result, error)
}

// Log appends a delivery record and assigns its attempt counter.
type Log interface {
	AppendDelivery(ctx context.Context, d *models.Delivery) error
}

// Sender delivers events synchronously over HTTP.
type Sender struct {
	Destination string
	Partner     signing.Partner
	Log         Log
	HTTPClient  *http.Client
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewSender returns a Sender with the 5-second delivery HTTP client.
func NewSender(destination string, partner signing.Partner, log Log, timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		Destination: destination,
		Partner:     partner,
		Log:         log,
		HTTPClient:  &http.Client{Timeout: timeout},
		Now:         time.Now,
		Logger:      logger,
	}
}

// Emit implements Emitter by delivering immediately.
func (s *Sender) Emit(ctx context.Context, evt events.Event) (Result, error) {
	return s.Deliver(ctx, evt)
}

// Deliver signs and posts evt, records the attempt, and returns its outcome.
// A recording failure is returned only when the delivery itself succeeded.
func (s *Sender) Deliver(ctx context.Context, evt events.Event) (Result, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return Result{}, fmt.Errorf("marshal event: %w", err)
	}
	taskID, err := uuid.Parse(evt.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("event %s: invalid task id %q", evt.Type, evt.TaskID)
	}

	rec := &models.Delivery{
		ID:          uuid.New(),
		TaskID:      taskID,
		EventType:   string(evt.Type),
		Language:    evt.Language(),
		Destination: s.Destination,
		Payload:     body,
		AttemptedAt: s.Now().UTC(),
	}
	status, sendErr := s.post(ctx, body)
	done := s.Now().UTC()
	rec.CompletedAt = &done
	rec.StatusCode = status
	rec.Outcome = models.DeliveryOutcomeSuccess
	if sendErr != nil {
		rec.Outcome = models.DeliveryOutcomeFailed
		rec.Error = sendErr.Error()
	}

	logErr := s.Log.AppendDelivery(ctx, rec)
	res := Result{
		Outcome:     rec.Outcome,
		Attempt:     rec.Attempt,
		StatusCode:  status,
		Destination: s.Destination,
	}
	if sendErr != nil {
		if logErr != nil {
			s.Logger.Error("record failed delivery", "task_id", evt.TaskID, "event", evt.Type, "error", logErr)
		}
		return res, sendErr
	}
	if logErr != nil {
		return res, fmt.Errorf("record delivery: %w", logErr)
	}
	return res, nil
}

func (s *Sender) post(ctx context.Context, body []byte) (int, error) {
	if strings.TrimSpace(s.Destination) == "" {
		return 0, fmt.Errorf("%w: no destination configured", ErrDeliveryFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Destination, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range signing.Headers(s.Partner, body, s.Now()) {
		req.Header[k] = v
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, ErrQuotaExhausted
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrDeliveryFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.StatusCode, nil
}
