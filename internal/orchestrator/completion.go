package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/models"
)

// failSubTask moves an active sub-task to failed and re-checks completion so
// the task does not wait on it.
func (s *Service) failSubTask(ctx context.Context, taskID uuid.UUID, language string, cause error) error {
	now := s.opts.Now().UTC()
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	applied, err := s.store.UpdateSubTask(ctx, taskID, language, models.SubTaskUpdate{
		Status:      models.Ptr(models.SubTaskStatusFailed),
		Error:       &msg,
		CompletedAt: &now,
	}, models.ActiveSubTaskStatuses()...)
	if err != nil {
		return fmt.Errorf("fail sub-task %s/%s: %w", taskID, language, err)
	}
	if !applied {
		return nil
	}
	s.logger.Error("sub-task failed", "task_id", taskID, "language", language, "error", msg)
	return s.checkCompletion(ctx, taskID)
}

// checkCompletion updates progress and, once every sub-task is terminal,
// completes the task with its summary. Completion happens at most once.
func (s *Service) checkCompletion(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusFailed {
		return nil
	}
	terminal := 0
	for _, st := range task.SubTasks {
		if models.IsTerminalSubTaskStatus(st.Status) {
			terminal++
		}
	}
	if len(task.SubTasks) > 0 {
		progress := float64(terminal) / float64(len(task.SubTasks)) * 100
		if progress != task.Progress {
			if err := s.store.SetTaskProgress(ctx, taskID, progress); err != nil {
				return err
			}
		}
	}
	if !task.AllTerminal() {
		return nil
	}

	summary := Summarize(task)
	completed, err := s.store.CompleteTask(ctx, taskID, &summary)
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}
	s.logger.Info("task complete", "task_id", taskID,
		"completed_languages", summary.CompletedLanguages, "failed_languages", summary.FailedLanguages,
		"max_processing_time_ms", summary.MaxProcessingTimeMs)
	return s.emit(ctx, events.KindTaskCompleted, taskID, events.TaskCompletedData{Summary: summary})
}

// Summarize aggregates the terminal sub-tasks of a task.
func Summarize(task *models.Task) models.TaskSummary {
	sum := models.TaskSummary{
		CompletedLanguages: []string{},
		Languages:          make([]models.LanguageSummary, 0, len(task.SubTasks)),
	}
	var total float64
	var scored int
	for _, st := range task.SubTasks {
		ls := models.LanguageSummary{
			Language:    st.Language,
			Status:      st.Status,
			Iterations:  len(st.Iterations),
			FinalReason: st.FinalReason,
		}
		if latest := st.LatestIteration(); latest != nil {
			if score, ok := latest.FinalScore(); ok {
				ls.FinalScore = models.Ptr(score)
			}
		}
		switch st.Status {
		case models.SubTaskStatusFinalized:
			sum.CompletedLanguages = append(sum.CompletedLanguages, st.Language)
			// Machine-only finals have no combined score and stay out of the average.
			if latest := st.LatestIteration(); latest != nil && latest.CombinedScore != nil {
				total += *latest.CombinedScore
				scored++
			}
		case models.SubTaskStatusFailed:
			sum.FailedLanguages = append(sum.FailedLanguages, st.Language)
		}
		if ms := st.ProcessingTime().Milliseconds(); ms > sum.MaxProcessingTimeMs {
			sum.MaxProcessingTimeMs = ms
		}
		sum.Languages = append(sum.Languages, ls)
	}
	if scored > 0 {
		sum.AverageCombinedScore = models.Ptr(total / float64(scored))
	}
	return sum
}
