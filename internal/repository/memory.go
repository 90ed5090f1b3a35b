package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/models"
)

// MemoryTaskStore has the same semantics as TaskRepo, held in process.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
	now   func() time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[uuid.UUID]*models.Task), now: time.Now}
}

func (s *MemoryTaskStore) CreateTask(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return errDuplicateTask
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	for _, st := range t.SubTasks {
		st.TaskID = t.ID
		st.UpdatedAt = now
		if st.Iterations == nil {
			st.Iterations = []models.Iteration{}
		}
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryTaskStore) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryTaskStore) DeleteTask(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryTaskStore) ListTasksByStatus(_ context.Context, status string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Task
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		c := cloneTask(t)
		c.SubTasks = nil
		c.Deliveries = nil
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryTaskStore) UpdateTaskStatus(_ context.Context, id uuid.UUID, to string, from ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if !statusMatches(t.Status, from) {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *MemoryTaskStore) CompleteTask(_ context.Context, id uuid.UUID, summary *models.TaskSummary) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusProcessing {
		return false, nil
	}
	now := s.now().UTC()
	sum := *summary
	t.Status = models.TaskStatusCompleted
	t.Summary = &sum
	t.Progress = 100
	t.CompletedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (s *MemoryTaskStore) SetTaskProgress(_ context.Context, id uuid.UUID, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if (t.Status != models.TaskStatusPending && t.Status != models.TaskStatusProcessing) || progress <= t.Progress {
		return nil
	}
	t.Progress = progress
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryTaskStore) SetTaskError(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Error = msg
	if t.Status != models.TaskStatusCompleted {
		t.Status = models.TaskStatusFailed
	}
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryTaskStore) GetSubTask(_ context.Context, taskID uuid.UUID, language string) (*models.SubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	st := t.SubTask(language)
	if st == nil {
		return nil, ErrNotFound
	}
	return cloneSubTask(st), nil
}

func (s *MemoryTaskStore) UpdateSubTask(_ context.Context, taskID uuid.UUID, language string, upd models.SubTaskUpdate, from ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	cur := t.SubTask(language)
	if cur == nil {
		return false, ErrNotFound
	}
	if !statusMatches(cur.Status, from) {
		return false, nil
	}
	if upd.Status != nil {
		if err := checkTransition(cur.Status, *upd.Status); err != nil {
			return false, err
		}
	}

	// Stage on a copy so a refused iteration write leaves the sub-task untouched.
	st := cloneSubTask(cur)
	if it := upd.ReplaceIteration; it != nil {
		idx := -1
		for i := range st.Iterations {
			if st.Iterations[i].Number == it.Number {
				idx = i
			}
		}
		if idx < 0 || st.Iterations[idx].Completed() {
			return false, errClosedIteration(it.Number)
		}
		st.Iterations[idx] = cloneIteration(*it)
	}
	if it := upd.AppendIteration; it != nil {
		for _, existing := range st.Iterations {
			if existing.Number == it.Number {
				return false, errDuplicateIteration
			}
		}
		st.Iterations = append(st.Iterations, cloneIteration(*it))
	}
	if upd.Status != nil {
		st.Status = *upd.Status
	}
	if upd.CurrentIteration != nil {
		st.CurrentIteration = *upd.CurrentIteration
	}
	if upd.TranslatedText != nil {
		st.TranslatedText = *upd.TranslatedText
	}
	if upd.BatchID != nil {
		st.BatchID = *upd.BatchID
	}
	if upd.StudyID != nil {
		st.StudyID = *upd.StudyID
	}
	if upd.FinalReason != nil {
		st.FinalReason = *upd.FinalReason
	}
	if upd.Error != nil {
		st.Error = *upd.Error
	}
	if upd.StartedAt != nil {
		v := *upd.StartedAt
		st.StartedAt = &v
	}
	if upd.CompletedAt != nil {
		v := *upd.CompletedAt
		st.CompletedAt = &v
	}
	st.UpdatedAt = s.now().UTC()
	*cur = *st
	t.UpdatedAt = st.UpdatedAt
	return true, nil
}

func (s *MemoryTaskStore) FindSubTasksByStudy(_ context.Context, studyID string) ([]*models.SubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SubTask
	if studyID == "" {
		return out, nil
	}
	for _, t := range s.tasks {
		for _, st := range t.SubTasks {
			if st.StudyID == studyID {
				out = append(out, cloneSubTask(st))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID.String() < out[j].TaskID.String()
		}
		return out[i].Language < out[j].Language
	})
	return out, nil
}

func (s *MemoryTaskStore) AppendDelivery(_ context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[d.TaskID]
	if !ok {
		return ErrNotFound
	}
	attempt := 1
	for _, prev := range t.Deliveries {
		if prev.EventType == d.EventType && prev.Language == d.Language && prev.Attempt >= attempt {
			attempt = prev.Attempt + 1
		}
	}
	d.Attempt = attempt
	rec := *d
	rec.Payload = append([]byte(nil), d.Payload...)
	t.Deliveries = append(t.Deliveries, rec)
	return nil
}

func (s *MemoryTaskStore) LastDelivery(_ context.Context, taskID uuid.UUID, language string) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := len(t.Deliveries) - 1; i >= 0; i-- {
		d := t.Deliveries[i]
		if language == "" || d.Language == language {
			d.Payload = append([]byte(nil), d.Payload...)
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.TargetLanguages = append([]string(nil), t.TargetLanguages...)
	if t.Summary != nil {
		sum := *t.Summary
		c.Summary = &sum
	}
	c.SubTasks = make([]*models.SubTask, 0, len(t.SubTasks))
	for _, st := range t.SubTasks {
		c.SubTasks = append(c.SubTasks, cloneSubTask(st))
	}
	c.Deliveries = append([]models.Delivery(nil), t.Deliveries...)
	return &c
}

func cloneSubTask(st *models.SubTask) *models.SubTask {
	c := *st
	c.Iterations = make([]models.Iteration, 0, len(st.Iterations))
	for _, it := range st.Iterations {
		c.Iterations = append(c.Iterations, cloneIteration(it))
	}
	return &c
}

func cloneIteration(it models.Iteration) models.Iteration {
	c := it
	if it.LLMVerification != nil {
		v := *it.LLMVerification
		c.LLMVerification = &v
	}
	if it.HumanReview != nil {
		h := *it.HumanReview
		h.ReviewerIDs = append([]string(nil), it.HumanReview.ReviewerIDs...)
		c.HumanReview = &h
	}
	if it.PostReviewVerification != nil {
		v := *it.PostReviewVerification
		c.PostReviewVerification = &v
	}
	if it.CombinedScore != nil {
		c.CombinedScore = models.Ptr(*it.CombinedScore)
	}
	if it.CompletedAt != nil {
		c.CompletedAt = models.Ptr(*it.CompletedAt)
	}
	return c
}
