// Package orchestrator drives every language sub-task through translation,
// machine verification and human review rounds until it converges, and
// completes the parent task once all languages are terminal.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/iteration"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/repository"
	"github.com/inaiurai/localize/internal/services"
	"github.com/inaiurai/localize/internal/worklog"
)

const (
	DefaultMaxIterations       = 3
	DefaultConfidenceThreshold = 4.0
	DefaultRetriggerCooldown   = 10 * time.Minute
)

var (
	ErrInvalidRequest     = errors.New("invalid task request")
	ErrCooldown           = errors.New("retrigger cooldown active")
	ErrNothingToRetrigger = errors.New("no delivery to retrigger")

	errCapability = errors.New("capability failed")
)

// TaskStore is the persistence the orchestrator needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	ListTasksByStatus(ctx context.Context, status string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error)
	CompleteTask(ctx context.Context, id uuid.UUID, summary *models.TaskSummary) (bool, error)
	SetTaskProgress(ctx context.Context, id uuid.UUID, progress float64) error
	SetTaskError(ctx context.Context, id uuid.UUID, msg string) error
	GetSubTask(ctx context.Context, taskID uuid.UUID, language string) (*models.SubTask, error)
	UpdateSubTask(ctx context.Context, taskID uuid.UUID, language string, upd models.SubTaskUpdate, from ...string) (bool, error)
	FindSubTasksByStudy(ctx context.Context, studyID string) ([]*models.SubTask, error)
	LastDelivery(ctx context.Context, taskID uuid.UUID, language string) (*models.Delivery, error)
}

type Translator interface {
	Translate(ctx context.Context, req services.TranslationRequest) (string, error)
}

type Scorer interface {
	Score(ctx context.Context, req services.ScoreRequest) (services.ScoreResult, error)
}

type Reviewer interface {
	RequestReview(ctx context.Context, req services.ReviewRequest) error
}

// WorkQueue receives steps when processing runs through the work log.
type WorkQueue interface {
	Enqueue(ctx context.Context, e worklog.Entry) (worklog.Entry, error)
}

// Deps are the collaborators of a Service. Queue is optional; without it
// steps run inline while the event is handled.
type Deps struct {
	Store      TaskStore
	Translator Translator
	Scorer     Scorer
	Reviewer   Reviewer
	Emitter    delivery.Emitter
	Queue      WorkQueue
}

type Options struct {
	MaxIterations         int
	ConfidenceThreshold   float64
	RetriggerCooldown     time.Duration
	SurfaceDeliveryErrors bool
	Now                   func() time.Time
}

// Service implements events.Handler.
type Service struct {
	store      TaskStore
	translator Translator
	scorer     Scorer
	reviewer   Reviewer
	emitter    delivery.Emitter
	direct     delivery.Emitter
	queue      WorkQueue
	iterations *iteration.Manager
	opts       Options
	logger     *slog.Logger
}

var _ events.Handler = (*Service)(nil)

func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.RetriggerCooldown <= 0 {
		opts.RetriggerCooldown = DefaultRetriggerCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	emitter := delivery.Policy{Next: deps.Emitter, SurfaceErrors: opts.SurfaceDeliveryErrors, Logger: logger}
	s := &Service{
		store:      deps.Store,
		translator: deps.Translator,
		scorer:     deps.Scorer,
		reviewer:   deps.Reviewer,
		emitter:    emitter,
		direct:     deps.Emitter,
		queue:      deps.Queue,
		iterations: iteration.NewManager(deps.Store, emitter, logger).WithClock(opts.Now),
		opts:       opts,
		logger:     logger,
	}
	return s
}

// Handle routes one verified inbound event.
func (s *Service) Handle(ctx context.Context, evt events.Event) error {
	return events.Dispatch(ctx, s, evt)
}

// SubmitRequest is a new translation task.
type SubmitRequest struct {
	SourceContent       string   `json:"source_content" yaml:"source_content"`
	Guidelines          string   `json:"guidelines,omitempty" yaml:"guidelines,omitempty"`
	TargetLanguages     []string `json:"target_languages" yaml:"target_languages"`
	MaxIterations       int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
}

// SubmitTask stores a pending task with one pending sub-task per language
// and emits task.created.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	if strings.TrimSpace(req.SourceContent) == "" {
		return nil, fmt.Errorf("%w: source_content is required", ErrInvalidRequest)
	}
	var langs []string
	seen := make(map[string]bool)
	for _, l := range req.TargetLanguages {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		langs = append(langs, l)
	}
	if len(langs) == 0 {
		return nil, fmt.Errorf("%w: at least one target language is required", ErrInvalidRequest)
	}
	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = s.opts.MaxIterations
	}
	if maxIter < 1 {
		return nil, fmt.Errorf("%w: max_iterations must be at least 1", ErrInvalidRequest)
	}
	threshold := req.ConfidenceThreshold
	if threshold == 0 {
		threshold = s.opts.ConfidenceThreshold
	}
	if threshold < 1 || threshold > 5 {
		return nil, fmt.Errorf("%w: confidence_threshold must be between 1 and 5", ErrInvalidRequest)
	}

	task := &models.Task{
		ID:                  uuid.New(),
		Status:              models.TaskStatusPending,
		SourceContent:       req.SourceContent,
		Guidelines:          req.Guidelines,
		TargetLanguages:     langs,
		MaxIterations:       maxIter,
		ConfidenceThreshold: threshold,
	}
	for _, l := range langs {
		task.SubTasks = append(task.SubTasks, &models.SubTask{
			TaskID:              task.ID,
			Language:            l,
			Status:              models.SubTaskStatusPending,
			MaxIterations:       maxIter,
			ConfidenceThreshold: threshold,
			Iterations:          []models.Iteration{},
		})
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task submitted", "task_id", task.ID, "languages", langs, "max_iterations", maxIter, "threshold", threshold)

	if err := s.emit(ctx, events.KindTaskCreated, task.ID, events.TaskCreatedData{Languages: langs}); err != nil {
		return task, err
	}
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, status string) ([]*models.Task, error) {
	return s.store.ListTasksByStatus(ctx, status)
}

func (s *Service) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// Retrigger re-sends the most recent delivered event for a task, optionally
// for one language. It is refused within the cooldown of the last attempt.
func (s *Service) Retrigger(ctx context.Context, taskID uuid.UUID, language string) (delivery.Result, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return delivery.Result{}, err
	}
	last, err := s.store.LastDelivery(ctx, taskID, language)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && (last == nil || len(last.Payload) == 0)) {
		return delivery.Result{}, ErrNothingToRetrigger
	}
	if err != nil {
		return delivery.Result{}, fmt.Errorf("last delivery for %s: %w", taskID, err)
	}
	now := s.opts.Now()
	if wait := last.AttemptedAt.Add(s.opts.RetriggerCooldown).Sub(now); wait > 0 {
		return delivery.Result{}, fmt.Errorf("%w: retry in %s", ErrCooldown, wait.Round(time.Second))
	}
	var evt events.Event
	if err := json.Unmarshal(last.Payload, &evt); err != nil {
		return delivery.Result{}, fmt.Errorf("decode last delivery: %w", err)
	}
	evt.Timestamp = now.UnixMilli()
	res, err := s.direct.Emit(ctx, evt)
	s.logger.Info("retriggered event", "task_id", taskID, "language", last.Language, "event", evt.Type, "attempt", res.Attempt, "error", err)
	return res, err
}

func (s *Service) emit(ctx context.Context, kind events.Kind, taskID uuid.UUID, data any) error {
	evt, err := events.New(kind, taskID.String(), data, s.opts.Now())
	if err != nil {
		return err
	}
	if _, err := s.emitter.Emit(ctx, evt); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}
