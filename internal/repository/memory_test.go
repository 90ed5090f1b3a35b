package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/models"
)

func newTask(langs ...string) *models.Task {
	t := &models.Task{
		ID:                  uuid.New(),
		Status:              models.TaskStatusPending,
		SourceContent:       "Hello",
		TargetLanguages:     langs,
		MaxIterations:       3,
		ConfidenceThreshold: 4.2,
	}
	for _, l := range langs {
		t.SubTasks = append(t.SubTasks, &models.SubTask{
			Language:            l,
			Status:              models.SubTaskStatusPending,
			MaxIterations:       3,
			ConfidenceThreshold: 4.2,
		})
	}
	return t
}

func TestMemoryTaskStore_CreateGetDelete(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("es", "fr")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SubTasks) != 2 || got.SubTask("fr").TaskID != task.ID {
		t.Fatalf("unexpected sub-tasks: %+v", got.SubTasks)
	}

	// Returned values are copies.
	got.SubTask("es").Status = models.SubTaskStatusFailed
	again, _ := s.GetTask(ctx, task.ID)
	if again.SubTask("es").Status != models.SubTaskStatusPending {
		t.Error("mutating a returned task leaked into the store")
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.GetSubTask(ctx, task.ID, "es"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected sub-task removed with task, got %v", err)
	}
}

func TestMemoryTaskStore_UpdateSubTaskCompareAndSet(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("es")
	s.CreateTask(ctx, task)

	upd := models.SubTaskUpdate{Status: models.Ptr(models.SubTaskStatusTranslating), StartedAt: models.Ptr(time.Now())}
	ok, err := s.UpdateSubTask(ctx, task.ID, "es", upd, models.SubTaskStatusPending)
	if err != nil || !ok {
		t.Fatalf("expected first update to apply, got %v %v", ok, err)
	}
	ok, err = s.UpdateSubTask(ctx, task.ID, "es", upd, models.SubTaskStatusPending)
	if err != nil || ok {
		t.Fatalf("expected repeated update to be a no-op, got %v %v", ok, err)
	}

	if _, err := s.UpdateSubTask(ctx, task.ID, "es", models.SubTaskUpdate{Status: models.Ptr(models.SubTaskStatusFinalized)}); err == nil {
		t.Error("expected invalid transition translating -> finalized to be refused")
	}
	if ok, err := s.UpdateSubTask(ctx, task.ID, "es", models.SubTaskUpdate{Status: models.Ptr(models.SubTaskStatusFailed)}); err != nil || !ok {
		t.Errorf("expected failure from an active state, got %v %v", ok, err)
	}
	if _, err := s.UpdateSubTask(ctx, task.ID, "xx", upd); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown language, got %v", err)
	}
}

func TestMemoryTaskStore_IterationsAreAppendOnly(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("fr")
	s.CreateTask(ctx, task)

	open := models.Iteration{Number: 1, StartedAt: time.Now()}
	if _, err := s.UpdateSubTask(ctx, task.ID, "fr", models.SubTaskUpdate{AppendIteration: &open, CurrentIteration: models.Ptr(1)}); err != nil {
		t.Fatal(err)
	}
	scored := open
	scored.CombinedScore = models.Ptr(4.0)
	if _, err := s.UpdateSubTask(ctx, task.ID, "fr", models.SubTaskUpdate{ReplaceIteration: &scored}); err != nil {
		t.Fatalf("replacing the open iteration: %v", err)
	}
	closed := scored
	closed.CompletedAt = models.Ptr(time.Now())
	if _, err := s.UpdateSubTask(ctx, task.ID, "fr", models.SubTaskUpdate{ReplaceIteration: &closed}); err != nil {
		t.Fatalf("closing the iteration: %v", err)
	}

	rewrite := closed
	rewrite.CombinedScore = models.Ptr(5.0)
	_, err := s.UpdateSubTask(ctx, task.ID, "fr", models.SubTaskUpdate{ReplaceIteration: &rewrite, Status: models.Ptr(models.SubTaskStatusTranslating)})
	if err == nil {
		t.Fatal("expected a closed iteration to be immutable")
	}
	st, _ := s.GetSubTask(ctx, task.ID, "fr")
	if *st.Iterations[0].CombinedScore != 4.0 || st.Status != models.SubTaskStatusPending {
		t.Errorf("refused update must not change anything, got %+v", st)
	}
	if _, err := s.UpdateSubTask(ctx, task.ID, "fr", models.SubTaskUpdate{AppendIteration: &open}); err == nil {
		t.Error("expected duplicate iteration number to be refused")
	}
}

func TestMemoryTaskStore_CompleteTaskOnce(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("es")
	s.CreateTask(ctx, task)
	s.UpdateTaskStatus(ctx, task.ID, models.TaskStatusProcessing, models.TaskStatusPending)

	sum := &models.TaskSummary{CompletedLanguages: []string{"es"}}
	if ok, err := s.CompleteTask(ctx, task.ID, sum); err != nil || !ok {
		t.Fatalf("expected completion, got %v %v", ok, err)
	}
	if ok, _ := s.CompleteTask(ctx, task.ID, sum); ok {
		t.Error("expected second completion to be refused")
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted || got.Progress != 100 || got.CompletedAt == nil {
		t.Errorf("unexpected completed task: %+v", got)
	}
	if err := s.SetTaskError(ctx, task.ID, "late"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("a task error must not reopen a completed task, got %s", got.Status)
	}
}

func TestMemoryTaskStore_ProgressOnlyRisesWhileRunning(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("es", "fr")
	s.CreateTask(ctx, task)
	s.UpdateTaskStatus(ctx, task.ID, models.TaskStatusProcessing, models.TaskStatusPending)

	if err := s.SetTaskProgress(ctx, task.ID, 50); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskProgress(ctx, task.ID, 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetTask(ctx, task.ID); got.Progress != 50 {
		t.Errorf("progress = %v, want 50", got.Progress)
	}

	s.CompleteTask(ctx, task.ID, &models.TaskSummary{})
	// A checker that read the task before completion writes late.
	if err := s.SetTaskProgress(ctx, task.ID, 50); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetTask(ctx, task.ID); got.Progress != 100 {
		t.Errorf("completed task progress = %v, want 100", got.Progress)
	}
	if err := s.SetTaskProgress(ctx, uuid.New(), 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryTaskStore_StudyLookupAndList(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	a, b := newTask("es", "fr"), newTask("de")
	s.CreateTask(ctx, a)
	s.CreateTask(ctx, b)
	s.UpdateTaskStatus(ctx, b.ID, models.TaskStatusProcessing)

	for _, lang := range []string{"es", "fr"} {
		s.UpdateSubTask(ctx, a.ID, lang, models.SubTaskUpdate{StudyID: models.Ptr("study-1")})
	}
	subs, err := s.FindSubTasksByStudy(ctx, "study-1")
	if err != nil || len(subs) != 2 {
		t.Fatalf("expected two sub-tasks for study, got %d %v", len(subs), err)
	}
	if subs, _ := s.FindSubTasksByStudy(ctx, "missing"); len(subs) != 0 {
		t.Errorf("expected none for unknown study")
	}

	processing, _ := s.ListTasksByStatus(ctx, models.TaskStatusProcessing)
	if len(processing) != 1 || processing[0].ID != b.ID {
		t.Errorf("unexpected processing list: %+v", processing)
	}
	all, _ := s.ListTasksByStatus(ctx, "")
	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}
}

func TestMemoryTaskStore_DeliveryAttempts(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := newTask("es")
	s.CreateTask(ctx, task)

	for i := 1; i <= 3; i++ {
		d := &models.Delivery{ID: uuid.New(), TaskID: task.ID, EventType: "subtask.finalized", Language: "es", AttemptedAt: time.Now()}
		if err := s.AppendDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
		if d.Attempt != i {
			t.Errorf("expected attempt %d, got %d", i, d.Attempt)
		}
	}
	other := &models.Delivery{ID: uuid.New(), TaskID: task.ID, EventType: "task.completed", Payload: []byte(`{}`)}
	s.AppendDelivery(ctx, other)
	if other.Attempt != 1 {
		t.Errorf("attempts are counted per event type, got %d", other.Attempt)
	}

	last, err := s.LastDelivery(ctx, task.ID, "")
	if err != nil || last.EventType != "task.completed" || string(last.Payload) != `{}` {
		t.Errorf("unexpected last delivery: %+v %v", last, err)
	}
	last, _ = s.LastDelivery(ctx, task.ID, "es")
	if last.Attempt != 3 {
		t.Errorf("expected last es attempt 3, got %d", last.Attempt)
	}
	if _, err := s.LastDelivery(ctx, task.ID, "fr"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.AppendDelivery(ctx, &models.Delivery{TaskID: uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}
}
