package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/iteration"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/repository"
	"github.com/inaiurai/localize/internal/services"
	"github.com/inaiurai/localize/internal/worklog"
)

func parseTaskID(evt events.Event) (uuid.UUID, error) {
	id, err := uuid.Parse(evt.TaskID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: invalid taskId %q", events.ErrMalformedEvent, evt.Type, evt.TaskID)
	}
	return id, nil
}

// decodeSubTask parses the task id and the language-bearing payload of evt.
func decodeSubTask(evt events.Event, data any, language func() string) (uuid.UUID, string, error) {
	id, err := parseTaskID(evt)
	if err != nil {
		return uuid.Nil, "", err
	}
	if err := evt.Decode(data); err != nil {
		return uuid.Nil, "", err
	}
	lang := language()
	if lang == "" {
		return uuid.Nil, "", fmt.Errorf("%w: %s: language is required", events.ErrMalformedEvent, evt.Type)
	}
	return id, lang, nil
}

// ignoreMissing turns a lookup miss into a logged no-op, since re-delivery
// of an event for a deleted task can never succeed.
func (s *Service) ignoreMissing(err error, evt events.Event, language string) error {
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("event for unknown task or sub-task ignored", "task_id", evt.TaskID, "language", language, "event", evt.Type)
		return nil
	}
	return err
}

func (s *Service) duplicate(evt events.Event, language string) {
	s.logger.Info("event already applied", "task_id", evt.TaskID, "language", language, "event", evt.Type)
}

func (s *Service) OnTaskCreated(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	applied, err := s.store.UpdateTaskStatus(ctx, id, models.TaskStatusProcessing, models.TaskStatusPending)
	if err != nil {
		return s.ignoreMissing(err, evt, "")
	}
	if !applied {
		s.duplicate(evt, "")
		return nil
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return s.ignoreMissing(err, evt, "")
	}
	s.logger.Info("task processing", "task_id", id, "languages", task.TargetLanguages)
	for _, st := range task.SubTasks {
		if err := s.emit(ctx, events.KindSubTaskCreated, id, events.SubTaskData{Language: st.Language}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) OnSubTaskCreated(ctx context.Context, evt events.Event) error {
	var data events.SubTaskData
	id, lang, err := decodeSubTask(evt, &data, func() string { return data.Language })
	if err != nil {
		return err
	}
	now := s.opts.Now().UTC()
	applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
		Status:    models.Ptr(models.SubTaskStatusTranslating),
		StartedAt: &now,
	}, models.SubTaskStatusPending)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	if !applied {
		s.duplicate(evt, lang)
		return nil
	}
	if err := s.emit(ctx, events.KindTranslationStarted, id, events.SubTaskData{Language: lang}); err != nil {
		return err
	}
	return s.runStep(ctx, id, lang, worklog.StepTranslate)
}

func (s *Service) OnTranslationStarted(_ context.Context, evt events.Event) error {
	s.logger.Info("translation started", "task_id", evt.TaskID, "language", evt.Language())
	return nil
}

func (s *Service) OnTranslationCompleted(ctx context.Context, evt events.Event) error {
	var data events.TranslationCompletedData
	id, lang, err := decodeSubTask(evt, &data, func() string { return data.Language })
	if err != nil {
		return err
	}
	applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
		Status: models.Ptr(models.SubTaskStatusLLMVerifying),
	}, models.SubTaskStatusTranslationComplete)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	if !applied {
		s.duplicate(evt, lang)
		return nil
	}
	if err := s.emit(ctx, events.KindLLMVerificationStarted, id, events.SubTaskData{Language: lang}); err != nil {
		return err
	}
	return s.runStep(ctx, id, lang, worklog.StepVerify)
}

func (s *Service) OnLLMVerificationStarted(_ context.Context, evt events.Event) error {
	s.logger.Info("machine verification started", "task_id", evt.TaskID, "language", evt.Language())
	return nil
}

// OnLLMVerificationCompleted finalizes a sub-task whose first machine score
// meets the threshold, and otherwise sends it to human review.
func (s *Service) OnLLMVerificationCompleted(ctx context.Context, evt events.Event) error {
	var data events.VerificationData
	id, lang, err := decodeSubTask(evt, &data, func() string { return data.Language })
	if err != nil {
		return err
	}
	sub, err := s.store.GetSubTask(ctx, id, lang)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	latest := sub.LatestIteration()
	if sub.Status != models.SubTaskStatusLLMVerified || latest == nil || latest.LLMVerification == nil {
		s.duplicate(evt, lang)
		return nil
	}
	score := latest.LLMVerification.Score

	if !iteration.MeetsThreshold(score, sub.ConfidenceThreshold) {
		applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
			Status: models.Ptr(models.SubTaskStatusReviewReady),
		}, models.SubTaskStatusLLMVerified)
		if err != nil {
			return s.ignoreMissing(err, evt, lang)
		}
		if !applied {
			s.duplicate(evt, lang)
			return nil
		}
		s.logger.Info("machine score below threshold, requesting review", "task_id", id, "language", lang,
			"score", score, "threshold", sub.ConfidenceThreshold)
		return s.runStep(ctx, id, lang, worklog.StepReview)
	}

	now := s.opts.Now().UTC()
	closed := *latest
	closed.FinalReason = models.FinalReasonThresholdMet
	closed.NeedsAnotherIteration = false
	closed.CompletedAt = &now
	applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
		Status:           models.Ptr(models.SubTaskStatusFinalized),
		FinalReason:      models.Ptr(models.FinalReasonThresholdMet),
		CompletedAt:      &now,
		ReplaceIteration: &closed,
	}, models.SubTaskStatusLLMVerified)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	if !applied {
		s.duplicate(evt, lang)
		return nil
	}
	s.logger.Info("sub-task finalized on machine score", "task_id", id, "language", lang, "score", score)
	if err := s.emit(ctx, events.KindSubTaskFinalized, id, events.FinalizedData{
		Language:    lang,
		Iteration:   closed.Number,
		FinalReason: models.FinalReasonThresholdMet,
		Score:       score,
	}); err != nil {
		return err
	}
	return s.checkCompletion(ctx, id)
}

func (s *Service) OnReviewBatchCreated(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	var data events.ReviewBatchData
	if err := evt.Decode(&data); err != nil {
		return err
	}
	for _, lang := range data.Languages {
		stale, err := s.staleReviewRound(ctx, id, lang, data.BatchID, "")
		if err != nil {
			if err := s.ignoreMissing(err, evt, lang); err != nil {
				return err
			}
			continue
		}
		if stale {
			s.duplicate(evt, lang)
			continue
		}
		applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
			Status:  models.Ptr(models.SubTaskStatusReviewQueued),
			BatchID: models.Ptr(data.BatchID),
		}, models.SubTaskStatusReviewReady)
		if err != nil {
			if err := s.ignoreMissing(err, evt, lang); err != nil {
				return err
			}
			continue
		}
		if !applied {
			s.duplicate(evt, lang)
			continue
		}
		s.logger.Info("sub-task queued for review", "task_id", id, "language", lang, "batch_id", data.BatchID)
	}
	return nil
}

// OnStudyCreated records the study id on the sub-tasks it covers: the listed
// languages, else those in the named batch, else every sub-task of the task
// waiting in the review queue.
func (s *Service) OnStudyCreated(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	var data events.StudyData
	if err := evt.Decode(&data); err != nil {
		return err
	}
	langs := data.Languages
	if len(langs) == 0 {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return s.ignoreMissing(err, evt, "")
		}
		for _, st := range task.SubTasks {
			if data.BatchID != "" && st.BatchID == data.BatchID {
				langs = append(langs, st.Language)
			} else if data.BatchID == "" && st.Status == models.SubTaskStatusReviewQueued {
				langs = append(langs, st.Language)
			}
		}
	}
	for _, lang := range langs {
		stale, err := s.staleReviewRound(ctx, id, lang, data.BatchID, data.StudyID)
		if err != nil {
			if err := s.ignoreMissing(err, evt, lang); err != nil {
				return err
			}
			continue
		}
		if stale {
			s.duplicate(evt, lang)
			continue
		}
		applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
			StudyID: models.Ptr(data.StudyID),
		}, models.SubTaskStatusReviewReady, models.SubTaskStatusReviewQueued)
		if err != nil {
			if err := s.ignoreMissing(err, evt, lang); err != nil {
				return err
			}
			continue
		}
		if !applied {
			s.duplicate(evt, lang)
			continue
		}
		s.logger.Info("review study attached", "task_id", id, "language", lang, "study_id", data.StudyID)
	}
	return nil
}

func (s *Service) OnStudyPublished(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	var data events.StudyData
	if err := evt.Decode(&data); err != nil {
		return err
	}
	subs, err := s.subTasksForStudy(ctx, id, data.StudyID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		s.logger.Warn("published study matches no sub-task", "task_id", id, "study_id", data.StudyID)
		return nil
	}
	for _, sub := range subs {
		applied, err := s.store.UpdateSubTask(ctx, id, sub.Language, models.SubTaskUpdate{
			Status: models.Ptr(models.SubTaskStatusReviewActive),
		}, models.SubTaskStatusReviewQueued)
		if err != nil {
			if err := s.ignoreMissing(err, evt, sub.Language); err != nil {
				return err
			}
			continue
		}
		if !applied {
			s.duplicate(evt, sub.Language)
			continue
		}
		s.logger.Info("review study published", "task_id", id, "language", sub.Language, "study_id", data.StudyID)
	}
	return nil
}

// OnResultsReceived stores the human review in the open iteration and starts
// re-verification. Results are matched by study id, or by language. They
// apply only to the review round in progress: the sub-task must carry the
// study (the one named, when named) and the iteration, when given, must be
// the open one.
func (s *Service) OnResultsReceived(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	var data events.ResultsData
	if err := evt.Decode(&data); err != nil {
		return err
	}
	var subs []*models.SubTask
	if data.Language != "" {
		sub, err := s.store.GetSubTask(ctx, id, data.Language)
		if err != nil {
			return s.ignoreMissing(err, evt, data.Language)
		}
		subs = append(subs, sub)
	} else {
		if subs, err = s.subTasksForStudy(ctx, id, data.StudyID); err != nil {
			return err
		}
	}
	if len(subs) == 0 {
		s.logger.Warn("review results match no sub-task", "task_id", id, "study_id", data.StudyID)
		return nil
	}

	score := services.NormalizeScore(data.Score, 1, 5)
	for _, sub := range subs {
		latest := sub.LatestIteration()
		if latest == nil || latest.Completed() {
			s.duplicate(evt, sub.Language)
			continue
		}
		if sub.StudyID == "" || (data.StudyID != "" && data.StudyID != sub.StudyID) ||
			(data.Iteration != 0 && data.Iteration != latest.Number) {
			s.logger.Warn("review results do not match the open review round", "task_id", id, "language", sub.Language,
				"study_id", data.StudyID, "current_study_id", sub.StudyID, "iteration", data.Iteration, "open_iteration", latest.Number)
			continue
		}
		reviewed := *latest
		reviewed.BatchID = sub.BatchID
		reviewed.StudyID = sub.StudyID
		reviewed.HumanReview = &models.HumanReview{
			Score:       score,
			Feedback:    data.Feedback,
			ReviewerIDs: data.ReviewerIDs,
			CompletedAt: s.opts.Now().UTC(),
		}
		applied, err := s.store.UpdateSubTask(ctx, id, sub.Language, models.SubTaskUpdate{
			Status:           models.Ptr(models.SubTaskStatusReviewComplete),
			ReplaceIteration: &reviewed,
		}, models.SubTaskStatusReviewQueued, models.SubTaskStatusReviewActive)
		if err != nil {
			if err := s.ignoreMissing(err, evt, sub.Language); err != nil {
				return err
			}
			continue
		}
		if !applied {
			s.duplicate(evt, sub.Language)
			continue
		}
		s.logger.Info("human review received", "task_id", id, "language", sub.Language, "score", score, "iteration", reviewed.Number)
		if err := s.emit(ctx, events.KindLLMReverificationStarted, id, events.ReverificationData{
			Language:  sub.Language,
			Iteration: reviewed.Number,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) OnLLMReverificationStarted(ctx context.Context, evt events.Event) error {
	var data events.ReverificationData
	id, lang, err := decodeSubTask(evt, &data, func() string { return data.Language })
	if err != nil {
		return err
	}
	applied, err := s.store.UpdateSubTask(ctx, id, lang, models.SubTaskUpdate{
		Status: models.Ptr(models.SubTaskStatusLLMReverifying),
	}, models.SubTaskStatusReviewComplete)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	if !applied {
		s.duplicate(evt, lang)
		return nil
	}
	return s.runStep(ctx, id, lang, worklog.StepReverify)
}

// OnLLMReverificationCompleted hands the closed round to the convergence
// manager and requests the next review when another iteration is needed.
func (s *Service) OnLLMReverificationCompleted(ctx context.Context, evt events.Event) error {
	var data events.ReverificationData
	id, lang, err := decodeSubTask(evt, &data, func() string { return data.Language })
	if err != nil {
		return err
	}
	sub, err := s.store.GetSubTask(ctx, id, lang)
	if err != nil {
		return s.ignoreMissing(err, evt, lang)
	}
	if sub.Status != models.SubTaskStatusIterationComplete {
		s.duplicate(evt, lang)
		return nil
	}
	out, err := s.iterations.Advance(ctx, sub)
	if !out.Applied {
		return s.ignoreMissing(err, evt, lang)
	}
	// The decision is stored; a failed emit must not skip the follow-up.
	var next error
	if out.NeedsAnotherIteration {
		next = s.runStep(ctx, id, lang, worklog.StepReview)
	} else {
		next = s.checkCompletion(ctx, id)
	}
	return errors.Join(next, err)
}

func (s *Service) OnIterationContinuing(_ context.Context, evt events.Event) error {
	var data events.IterationContinuingData
	_ = evt.Decode(&data)
	s.logger.Info("iteration continuing", "task_id", evt.TaskID, "language", data.Language,
		"next_iteration", data.NextIteration, "combined_score", data.CombinedScore, "threshold", data.Threshold)
	return nil
}

func (s *Service) OnSubTaskFinalized(ctx context.Context, evt events.Event) error {
	id, err := parseTaskID(evt)
	if err != nil {
		return err
	}
	return s.ignoreMissing(s.checkCompletion(ctx, id), evt, evt.Language())
}

func (s *Service) OnTaskCompleted(_ context.Context, evt events.Event) error {
	s.logger.Info("task completed", "task_id", evt.TaskID)
	return nil
}

// staleReviewRound reports whether batchID or studyID belongs to a review
// round the sub-task has already closed.
func (s *Service) staleReviewRound(ctx context.Context, taskID uuid.UUID, language, batchID, studyID string) (bool, error) {
	if batchID == "" && studyID == "" {
		return false, nil
	}
	sub, err := s.store.GetSubTask(ctx, taskID, language)
	if err != nil {
		return false, err
	}
	return models.UsedReviewRound(sub.Iterations, batchID, studyID), nil
}

// subTasksForStudy returns the sub-tasks of taskID attached to studyID.
func (s *Service) subTasksForStudy(ctx context.Context, taskID uuid.UUID, studyID string) ([]*models.SubTask, error) {
	if studyID == "" {
		return nil, nil
	}
	all, err := s.store.FindSubTasksByStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	var out []*models.SubTask
	for _, st := range all {
		if st.TaskID == taskID {
			out = append(out, st)
		}
	}
	return out, nil
}
