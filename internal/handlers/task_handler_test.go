package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/middleware"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/orchestrator"
	"github.com/inaiurai/localize/internal/repository"
	"github.com/inaiurai/localize/internal/worklog"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockService struct {
	tasks        map[uuid.UUID]*models.Task
	submitted    *orchestrator.SubmitRequest
	submitErr    error
	retriggerErr error
	retriggered  string
	handled      []events.Event
	handleErr    error
}

func newMockService() *mockService {
	return &mockService{tasks: make(map[uuid.UUID]*models.Task)}
}

func (m *mockService) SubmitTask(_ context.Context, req orchestrator.SubmitRequest) (*models.Task, error) {
	m.submitted = &req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	t := &models.Task{ID: uuid.New(), Status: models.TaskStatusPending, TargetLanguages: req.TargetLanguages}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockService) GetTask(_ context.Context, id uuid.UUID) (*models.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (m *mockService) ListTasks(_ context.Context, status string) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockService) DeleteTask(_ context.Context, id uuid.UUID) error {
	if _, ok := m.tasks[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *mockService) Retrigger(_ context.Context, id uuid.UUID, language string) (delivery.Result, error) {
	if m.retriggerErr != nil {
		return delivery.Result{}, m.retriggerErr
	}
	if _, ok := m.tasks[id]; !ok {
		return delivery.Result{}, repository.ErrNotFound
	}
	m.retriggered = language
	return delivery.Result{Outcome: models.DeliveryOutcomeSuccess, Attempt: 2}, nil
}

func (m *mockService) Handle(_ context.Context, evt events.Event) error {
	m.handled = append(m.handled, evt)
	return m.handleErr
}

type mockStats struct {
	stats worklog.Stats
	err   error
}

func (m mockStats) Stats(context.Context) (worklog.Stats, error) { return m.stats, m.err }

type mockQueue struct {
	calls int
	err   error
}

func (m *mockQueue) Submit(events.Event) error {
	m.calls++
	return m.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestHandler() (*TaskHandler, *mockService) {
	svc := newMockService()
	return &TaskHandler{Service: svc, Logger: slog.Default()}, svc
}

func withID(r *http.Request, id string) *http.Request {
	r.SetPathValue("id", id)
	return r
}

// =====================================================================
// POST /v1/tasks
// =====================================================================

func TestCreateTask_Valid(t *testing.T) {
	h, svc := newTestHandler()

	body := `{"source_content":"Hello","target_languages":["de","fr"],"max_iterations":2}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateTask(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" {
		t.Error("response missing task_id")
	}
	if svc.submitted == nil || svc.submitted.MaxIterations != 2 || len(svc.submitted.TargetLanguages) != 2 {
		t.Errorf("submitted = %+v", svc.submitted)
	}
}

func TestCreateTask_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"rejected request", `{}`, fmt.Errorf("%w: source_content is required", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{"store failure", `{"source_content":"x","target_languages":["de"]}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandler()
			svc.submitErr = tt.err
			rec := httptest.NewRecorder()
			h.CreateTask(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// =====================================================================
// GET / DELETE /v1/tasks/{id}
// =====================================================================

func TestGetTask(t *testing.T) {
	h, svc := newTestHandler()
	task := &models.Task{ID: uuid.New(), Status: models.TaskStatusProcessing}
	svc.tasks[task.ID] = task

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"found", task.ID.String(), http.StatusOK},
		{"unknown", uuid.NewString(), http.StatusNotFound},
		{"invalid id", "not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.GetTask(rec, withID(httptest.NewRequest(http.MethodGet, "/v1/tasks/"+tt.id, nil), tt.id))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListTasks_FiltersByStatus(t *testing.T) {
	h, svc := newTestHandler()
	for _, st := range []string{models.TaskStatusPending, models.TaskStatusCompleted, models.TaskStatusCompleted} {
		id := uuid.New()
		svc.tasks[id] = &models.Task{ID: id, Status: st}
	}

	rec := httptest.NewRecorder()
	h.ListTasks(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks?status=completed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	rec = httptest.NewRecorder()
	h.ListTasks(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks?status=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus filter: status = %d, want 400", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	h, svc := newTestHandler()
	id := uuid.New()
	svc.tasks[id] = &models.Task{ID: id}

	rec := httptest.NewRecorder()
	h.DeleteTask(rec, withID(httptest.NewRequest(http.MethodDelete, "/v1/tasks/"+id.String(), nil), id.String()))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.DeleteTask(rec, withID(httptest.NewRequest(http.MethodDelete, "/v1/tasks/"+id.String(), nil), id.String()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

// =====================================================================
// POST /v1/tasks/{id}/retrigger
// =====================================================================

func TestRetrigger(t *testing.T) {
	h, svc := newTestHandler()
	id := uuid.New()
	svc.tasks[id] = &models.Task{ID: id}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+id.String()+"/retrigger", strings.NewReader(`{"language":"de"}`))
	rec := httptest.NewRecorder()
	h.Retrigger(rec, withID(req, id.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if svc.retriggered != "de" {
		t.Errorf("language = %q, want de", svc.retriggered)
	}
	var resp retriggerResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Attempt != 2 || resp.Outcome != models.DeliveryOutcomeSuccess {
		t.Errorf("response = %+v", resp)
	}
}

func TestRetrigger_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"cooldown", fmt.Errorf("%w: retry in 5m", orchestrator.ErrCooldown), http.StatusTooManyRequests},
		{"nothing sent yet", orchestrator.ErrNothingToRetrigger, http.StatusConflict},
		{"quota", delivery.ErrQuotaExhausted, http.StatusTooManyRequests},
		{"destination failed", fmt.Errorf("%w: status 500", delivery.ErrDeliveryFailed), http.StatusBadGateway},
		{"unknown task", repository.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandler()
			svc.retriggerErr = tt.err
			id := uuid.NewString()
			rec := httptest.NewRecorder()
			h.Retrigger(rec, withID(httptest.NewRequest(http.MethodPost, "/v1/tasks/"+id+"/retrigger", nil), id))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// =====================================================================
// POST /webhooks/events
// =====================================================================

func TestEventHandler_Receive(t *testing.T) {
	evt := events.Event{Type: events.KindStudyPublished, TaskID: uuid.NewString(), Timestamp: 1}

	tests := []struct {
		name       string
		handleErr  error
		withEvent  bool
		wantCode   int
		wantStatus string
	}{
		{"accepted", nil, true, http.StatusOK, "accepted"},
		{"unknown kind", fmt.Errorf("%w: %q", events.ErrUnknownEvent, "x"), true, http.StatusOK, "ignored"},
		{"malformed", fmt.Errorf("%w: bad data", events.ErrMalformedEvent), true, http.StatusBadRequest, ""},
		{"handler failure", errors.New("db down"), true, http.StatusInternalServerError, ""},
		{"not verified", nil, false, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.handleErr = tt.handleErr
			h := &EventHandler{Dispatcher: svc, Logger: slog.Default()}

			req := httptest.NewRequest(http.MethodPost, "/webhooks/events", nil)
			if tt.withEvent {
				req = req.WithContext(middleware.WithEvent(req.Context(), evt))
			}
			rec := httptest.NewRecorder()
			h.Receive(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantStatus != "" {
				var resp eventResponse
				json.Unmarshal(rec.Body.Bytes(), &resp)
				if resp.Status != tt.wantStatus {
					t.Errorf("status field = %q, want %q", resp.Status, tt.wantStatus)
				}
			}
			if tt.withEvent && len(svc.handled) != 1 {
				t.Errorf("handled %d events, want 1", len(svc.handled))
			}
		})
	}
}

func TestEventHandler_ReceiveQueued(t *testing.T) {
	evt := events.Event{Type: events.KindTranslationCompleted, TaskID: uuid.NewString(), Timestamp: 1}

	tests := []struct {
		name      string
		evt       events.Event
		submitErr error
		wantCode  int
		wantQueue int
	}{
		{"queued", evt, nil, http.StatusAccepted, 1},
		{"queue full", evt, errors.New("event intake queue is full"), http.StatusServiceUnavailable, 1},
		{"unknown kind skips queue", events.Event{Type: "invoice.paid", TaskID: uuid.NewString()}, nil, http.StatusOK, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			q := &mockQueue{err: tt.submitErr}
			h := &EventHandler{Dispatcher: svc, Queue: q, Logger: slog.Default()}

			req := httptest.NewRequest(http.MethodPost, "/webhooks/events", nil)
			req = req.WithContext(middleware.WithEvent(req.Context(), tt.evt))
			rec := httptest.NewRecorder()
			h.Receive(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if q.calls != tt.wantQueue {
				t.Errorf("submitted %d events, want %d", q.calls, tt.wantQueue)
			}
			if len(svc.handled) != 0 {
				t.Errorf("dispatched %d events inline, want 0", len(svc.handled))
			}
		})
	}
}

// =====================================================================
// GET /v1/worklog/stats
// =====================================================================

func TestWorklogStats(t *testing.T) {
	h := &WorklogHandler{
		Log:    mockStats{stats: worklog.Stats{Group: "localize-workers", Length: 3, Pending: map[string]int{"w1": 2}}},
		Logger: slog.Default(),
	}
	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/worklog/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st worklog.Stats
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Length != 3 || st.Pending["w1"] != 2 {
		t.Errorf("stats = %+v", st)
	}

	disabled := &WorklogHandler{Logger: slog.Default()}
	rec = httptest.NewRecorder()
	disabled.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/worklog/stats", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled: status = %d, want 404", rec.Code)
	}
}
