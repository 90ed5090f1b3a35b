package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/services"
	"github.com/inaiurai/localize/internal/worklog"
)

// runStep executes a capability step inline, or enqueues it when a work
// queue is configured. A capability failure fails the sub-task; the error is
// not returned because the sub-task state already reflects it.
func (s *Service) runStep(ctx context.Context, taskID uuid.UUID, language string, step worklog.Step) error {
	if s.queue != nil {
		_, err := s.queue.Enqueue(ctx, worklog.Entry{TaskID: taskID.String(), Language: language, Step: step})
		if err == nil {
			return nil
		}
		return s.failSubTask(ctx, taskID, language, fmt.Errorf("enqueue %s: %w", step, err))
	}
	err := s.execStep(ctx, taskID, language, step)
	if errors.Is(err, errCapability) {
		return s.failSubTask(ctx, taskID, language, err)
	}
	return err
}

// ProcessStep runs one work-log entry. Returning an error asks the caller to
// retry it.
func (s *Service) ProcessStep(ctx context.Context, e worklog.Entry) error {
	taskID, err := uuid.Parse(e.TaskID)
	if err != nil {
		return fmt.Errorf("entry %s: invalid task id %q", e.ID, e.TaskID)
	}
	return s.execStep(ctx, taskID, e.Language, e.Step)
}

// FailStep marks the entry's sub-task failed once its retries are exhausted.
func (s *Service) FailStep(ctx context.Context, e worklog.Entry, cause error) error {
	taskID, err := uuid.Parse(e.TaskID)
	if err != nil {
		return fmt.Errorf("entry %s: invalid task id %q", e.ID, e.TaskID)
	}
	return s.failSubTask(ctx, taskID, e.Language, cause)
}

func (s *Service) execStep(ctx context.Context, taskID uuid.UUID, language string, step worklog.Step) error {
	switch step {
	case worklog.StepTranslate:
		return s.translate(ctx, taskID, language)
	case worklog.StepVerify:
		return s.verify(ctx, taskID, language)
	case worklog.StepReview:
		return s.requestReview(ctx, taskID, language)
	case worklog.StepReverify:
		return s.reverify(ctx, taskID, language)
	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

// load returns the task and sub-task, or ok=false when the sub-task is no
// longer in the status the step expects.
func (s *Service) load(ctx context.Context, taskID uuid.UUID, language, status string) (*models.Task, *models.SubTask, bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, false, err
	}
	sub := task.SubTask(language)
	if sub == nil {
		return nil, nil, false, fmt.Errorf("task %s has no sub-task %q", taskID, language)
	}
	if sub.Status != status {
		s.logger.Info("step skipped, sub-task moved on", "task_id", taskID, "language", language, "status", sub.Status, "expected", status)
		return task, sub, false, nil
	}
	return task, sub, true, nil
}

func (s *Service) translate(ctx context.Context, taskID uuid.UUID, language string) error {
	task, _, ok, err := s.load(ctx, taskID, language, models.SubTaskStatusTranslating)
	if err != nil || !ok {
		return err
	}
	text, err := s.translator.Translate(ctx, services.TranslationRequest{
		SourceText:     task.SourceContent,
		Guidelines:     task.Guidelines,
		TargetLanguage: language,
	})
	if err != nil {
		return fmt.Errorf("%w: translate %s: %v", errCapability, language, err)
	}
	applied, err := s.store.UpdateSubTask(ctx, taskID, language, models.SubTaskUpdate{
		Status:         models.Ptr(models.SubTaskStatusTranslationComplete),
		TranslatedText: &text,
	}, models.SubTaskStatusTranslating)
	if err != nil || !applied {
		return err
	}
	s.logger.Info("translation complete", "task_id", taskID, "language", language, "chars", len(text))
	return s.emit(ctx, events.KindTranslationCompleted, taskID, events.TranslationCompletedData{
		Language:       language,
		TranslatedText: text,
	})
}

// verify scores the translation and opens iteration 1 with the result.
func (s *Service) verify(ctx context.Context, taskID uuid.UUID, language string) error {
	task, sub, ok, err := s.load(ctx, taskID, language, models.SubTaskStatusLLMVerifying)
	if err != nil || !ok {
		return err
	}
	res, err := s.scorer.Score(ctx, services.ScoreRequest{
		SourceText:     task.SourceContent,
		TranslatedText: sub.TranslatedText,
		Guidelines:     task.Guidelines,
		TargetLanguage: language,
	})
	if err != nil {
		return fmt.Errorf("%w: score %s: %v", errCapability, language, err)
	}
	now := s.opts.Now().UTC()
	started := now
	if sub.StartedAt != nil {
		started = *sub.StartedAt
	}
	v := verification(res, now)
	first := models.Iteration{Number: 1, LLMVerification: &v, StartedAt: started}
	applied, err := s.store.UpdateSubTask(ctx, taskID, language, models.SubTaskUpdate{
		Status:           models.Ptr(models.SubTaskStatusLLMVerified),
		CurrentIteration: models.Ptr(1),
		AppendIteration:  &first,
	}, models.SubTaskStatusLLMVerifying)
	if err != nil || !applied {
		return err
	}
	s.logger.Info("machine verification complete", "task_id", taskID, "language", language, "score", v.Score, "raw_score", v.RawScore)
	return s.emit(ctx, events.KindLLMVerificationCompleted, taskID, events.VerificationData{
		Language:  language,
		Iteration: 1,
		Score:     v.Score,
		Feedback:  v.Feedback,
	})
}

func (s *Service) requestReview(ctx context.Context, taskID uuid.UUID, language string) error {
	task, sub, ok, err := s.load(ctx, taskID, language, models.SubTaskStatusReviewReady)
	if err != nil || !ok {
		return err
	}
	err = s.reviewer.RequestReview(ctx, services.ReviewRequest{
		TaskID:         taskID.String(),
		Language:       language,
		Iteration:      sub.CurrentIteration,
		SourceText:     task.SourceContent,
		TranslatedText: sub.TranslatedText,
		Guidelines:     task.Guidelines,
		LLMFeedback:    machineFeedback(sub),
	})
	if err != nil {
		return fmt.Errorf("%w: request review %s: %v", errCapability, language, err)
	}
	s.logger.Info("human review requested", "task_id", taskID, "language", language, "iteration", sub.CurrentIteration)
	return nil
}

// reverify re-scores with the reviewers' feedback and records the combined
// score on the open iteration.
func (s *Service) reverify(ctx context.Context, taskID uuid.UUID, language string) error {
	task, sub, ok, err := s.load(ctx, taskID, language, models.SubTaskStatusLLMReverifying)
	if err != nil || !ok {
		return err
	}
	latest := sub.LatestIteration()
	if latest == nil || latest.HumanReview == nil {
		return fmt.Errorf("%w: %s has no human review to re-verify", errCapability, language)
	}
	res, err := s.scorer.Score(ctx, services.ScoreRequest{
		SourceText:     task.SourceContent,
		TranslatedText: sub.TranslatedText,
		Guidelines:     task.Guidelines,
		TargetLanguage: language,
		HumanFeedback:  latest.HumanReview.Feedback,
	})
	if err != nil {
		return fmt.Errorf("%w: re-score %s: %v", errCapability, language, err)
	}
	v := verification(res, s.opts.Now().UTC())
	combined := models.CombineScores(latest.HumanReview.Score, v.Score)
	scored := *latest
	scored.PostReviewVerification = &v
	scored.CombinedScore = &combined
	applied, err := s.store.UpdateSubTask(ctx, taskID, language, models.SubTaskUpdate{
		Status:           models.Ptr(models.SubTaskStatusIterationComplete),
		ReplaceIteration: &scored,
	}, models.SubTaskStatusLLMReverifying)
	if err != nil || !applied {
		return err
	}
	s.logger.Info("re-verification complete", "task_id", taskID, "language", language,
		"iteration", scored.Number, "score", v.Score, "combined_score", combined)
	return s.emit(ctx, events.KindLLMReverificationCompleted, taskID, events.ReverificationData{
		Language:      language,
		Iteration:     scored.Number,
		Score:         v.Score,
		CombinedScore: combined,
	})
}

func verification(res services.ScoreResult, at time.Time) models.Verification {
	return models.Verification{
		Score:       res.Normalized(),
		RawScore:    res.Score,
		Feedback:    strings.TrimSpace(res.Findings),
		Confidence:  res.Confidence,
		CompletedAt: at,
	}
}

// machineFeedback is the most recent machine feedback across iterations.
func machineFeedback(sub *models.SubTask) string {
	for i := len(sub.Iterations) - 1; i >= 0; i-- {
		it := sub.Iterations[i]
		if it.PostReviewVerification != nil && it.PostReviewVerification.Feedback != "" {
			return it.PostReviewVerification.Feedback
		}
		if it.LLMVerification != nil && it.LLMVerification.Feedback != "" {
			return it.LLMVerification.Feedback
		}
	}
	return ""
}
