package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/models"
	"github.com/inaiurai/localize/internal/orchestrator"
	"github.com/inaiurai/localize/internal/repository"
)

// TaskService is the subset of the orchestrator the task endpoints need.
type TaskService interface {
	SubmitTask(ctx context.Context, req orchestrator.SubmitRequest) (*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, status string) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	Retrigger(ctx context.Context, taskID uuid.UUID, language string) (delivery.Result, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Service TaskService
	Logger  *slog.Logger
}

type createTaskResponse struct {
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status"`
	Languages []string `json:"target_languages"`
}

// CreateTask handles POST /v1/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Service.SubmitTask(r.Context(), req)
	if err != nil && task == nil {
		h.writeError(w, "submit task", err)
		return
	}
	if err != nil {
		// The task is stored; only the task.created delivery failed.
		h.Logger.Warn("task stored but kickoff event failed", "task_id", task.ID, "error", err)
	}

	writeJSON(w, http.StatusAccepted, createTaskResponse{
		TaskID:    task.ID.String(),
		Status:    task.Status,
		Languages: task.TargetLanguages,
	})
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(r)
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Service.GetTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, "get task", err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /v1/tasks?status=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.TaskStatusPending, models.TaskStatusProcessing, models.TaskStatusCompleted, models.TaskStatusFailed:
	default:
		http.Error(w, `{"error":"invalid status filter"}`, http.StatusBadRequest)
		return
	}

	tasks, err := h.Service.ListTasks(r.Context(), status)
	if err != nil {
		h.writeError(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// DeleteTask handles DELETE /v1/tasks/{id}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(r)
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Service.DeleteTask(r.Context(), taskID); err != nil {
		h.writeError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retriggerRequest struct {
	Language string `json:"language"`
}

type retriggerResponse struct {
	TaskID  string `json:"task_id"`
	Outcome string `json:"outcome"`
	Attempt int    `json:"attempt"`
}

// Retrigger handles POST /v1/tasks/{id}/retrigger. The body is optional.
func (h *TaskHandler) Retrigger(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(r)
	if !ok {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	var req retriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}
	if lang := r.URL.Query().Get("language"); lang != "" {
		req.Language = lang
	}

	res, err := h.Service.Retrigger(r.Context(), taskID, req.Language)
	if err != nil {
		h.writeError(w, "retrigger", err)
		return
	}
	writeJSON(w, http.StatusOK, retriggerResponse{TaskID: taskID.String(), Outcome: res.Outcome, Attempt: res.Attempt})
}

// --- helpers ---

func (h *TaskHandler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrNothingToRetrigger):
		http.Error(w, `{"error":"no delivery to retrigger"}`, http.StatusConflict)
	case errors.Is(err, orchestrator.ErrCooldown):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, delivery.ErrQuotaExhausted):
		http.Error(w, `{"error":"destination quota exhausted"}`, http.StatusTooManyRequests)
	case errors.Is(err, delivery.ErrDeliveryFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// extractTaskID parses the {id} path value.
func extractTaskID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
