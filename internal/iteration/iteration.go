// Package iteration decides whether a sub-task has converged after a review
// round and persists that decision.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/models"
)

// scoreEpsilon absorbs float error in averaged scores such as (4.0+4.4)/2.
const scoreEpsilon = 1e-9

// MeetsThreshold reports score >= threshold.
func MeetsThreshold(score, threshold float64) bool {
	return score >= threshold-scoreEpsilon
}

type Input struct {
	CombinedScore    float64
	Threshold        float64
	CurrentIteration int
	MaxIterations    int
}

type Decision struct {
	NeedsAnotherIteration bool
	NextIteration         int
	FinalReason           string
}

// Decide is the bounded-loop rule: iterate again while the score is below
// threshold and budget remains, otherwise finalize with the reason.
func Decide(in Input) Decision {
	if MeetsThreshold(in.CombinedScore, in.Threshold) {
		return Decision{FinalReason: models.FinalReasonThresholdMet}
	}
	if in.CurrentIteration >= in.MaxIterations {
		return Decision{FinalReason: models.FinalReasonMaxIterationsReached}
	}
	return Decision{NeedsAnotherIteration: true, NextIteration: in.CurrentIteration + 1}
}

// SubTaskUpdater is the store operation the manager needs.
type SubTaskUpdater interface {
	UpdateSubTask(ctx context.Context, taskID uuid.UUID, language string, upd models.SubTaskUpdate, from ...string) (bool, error)
}

// Outcome is the result of Advance. Applied is false when another delivery
// of the same event already moved the sub-task on.
type Outcome struct {
	Decision
	Applied bool
}

type Manager struct {
	store   SubTaskUpdater
	emitter delivery.Emitter
	now     func() time.Time
	logger  *slog.Logger
}

func NewManager(store SubTaskUpdater, emitter delivery.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, emitter: emitter, now: time.Now, logger: logger}
}

// WithClock replaces the time source used for iteration timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Advance closes the latest iteration of a sub-task in iteration_complete and
// either opens the next one (back to review_ready) or finalizes the sub-task.
func (m *Manager) Advance(ctx context.Context, sub *models.SubTask) (Outcome, error) {
	latest := sub.LatestIteration()
	if latest == nil || latest.CombinedScore == nil {
		return Outcome{}, fmt.Errorf("sub-task %s/%s has no scored iteration", sub.TaskID, sub.Language)
	}
	d := Decide(Input{
		CombinedScore:    *latest.CombinedScore,
		Threshold:        sub.ConfidenceThreshold,
		CurrentIteration: sub.CurrentIteration,
		MaxIterations:    sub.MaxIterations,
	})

	now := m.now().UTC()
	closed := *latest
	closed.NeedsAnotherIteration = d.NeedsAnotherIteration
	closed.FinalReason = d.FinalReason
	closed.CompletedAt = &now

	upd := models.SubTaskUpdate{ReplaceIteration: &closed}
	var next *models.Iteration
	if d.NeedsAnotherIteration {
		next = &models.Iteration{Number: d.NextIteration, StartedAt: now}
		upd.Status = models.Ptr(models.SubTaskStatusReviewReady)
		upd.CurrentIteration = models.Ptr(d.NextIteration)
		upd.AppendIteration = next
		// The next round gets its own batch and study.
		upd.BatchID = models.Ptr("")
		upd.StudyID = models.Ptr("")
	} else {
		upd.Status = models.Ptr(models.SubTaskStatusFinalized)
		upd.FinalReason = models.Ptr(d.FinalReason)
		upd.CompletedAt = &now
	}

	applied, err := m.store.UpdateSubTask(ctx, sub.TaskID, sub.Language, upd, models.SubTaskStatusIterationComplete)
	if err != nil {
		return Outcome{}, fmt.Errorf("advance %s/%s: %w", sub.TaskID, sub.Language, err)
	}
	out := Outcome{Decision: d, Applied: applied}
	if !applied {
		m.logger.Info("iteration already advanced", "task_id", sub.TaskID, "language", sub.Language)
		return out, nil
	}

	var evt events.Event
	if d.NeedsAnotherIteration {
		history := make([]models.Iteration, 0, len(sub.Iterations)+1)
		history = append(history, sub.Iterations[:len(sub.Iterations)-1]...)
		history = append(history, closed, *next)
		evt, err = events.New(events.KindIterationContinuing, sub.TaskID.String(), events.IterationContinuingData{
			Language:      sub.Language,
			NextIteration: d.NextIteration,
			CombinedScore: *latest.CombinedScore,
			Threshold:     sub.ConfidenceThreshold,
			History:       history,
		}, now)
		m.logger.Info("sub-task needs another iteration", "task_id", sub.TaskID, "language", sub.Language,
			"combined_score", *latest.CombinedScore, "next_iteration", d.NextIteration)
	} else {
		evt, err = events.New(events.KindSubTaskFinalized, sub.TaskID.String(), events.FinalizedData{
			Language:    sub.Language,
			Iteration:   sub.CurrentIteration,
			FinalReason: d.FinalReason,
			Score:       *latest.CombinedScore,
		}, now)
		m.logger.Info("sub-task finalized", "task_id", sub.TaskID, "language", sub.Language,
			"final_reason", d.FinalReason, "iteration", sub.CurrentIteration)
	}
	if err != nil {
		return out, err
	}
	if _, err := m.emitter.Emit(ctx, evt); err != nil {
		return out, fmt.Errorf("emit %s: %w", evt.Type, err)
	}
	return out, nil
}
