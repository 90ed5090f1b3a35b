package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task is one translation request spanning every requested target language.
type Task struct {
	ID                  uuid.UUID    `json:"id"`
	Status              string       `json:"status"`
	SourceContent       string       `json:"source_content"`
	Guidelines          string       `json:"guidelines,omitempty"`
	TargetLanguages     []string     `json:"target_languages"`
	MaxIterations       int          `json:"max_iterations"`
	ConfidenceThreshold float64      `json:"confidence_threshold"`
	Progress            float64      `json:"progress"`
	Error               string       `json:"error,omitempty"`
	Summary             *TaskSummary `json:"summary,omitempty"`
	SubTasks            []*SubTask   `json:"subtasks"`
	Deliveries          []Delivery   `json:"delivery_log,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// SubTask returns the sub-task for language, or nil.
func (t *Task) SubTask(language string) *SubTask {
	for _, st := range t.SubTasks {
		if st.Language == language {
			return st
		}
	}
	return nil
}

// AllTerminal reports whether every sub-task is finalized or failed.
func (t *Task) AllTerminal() bool {
	if len(t.SubTasks) == 0 {
		return false
	}
	for _, st := range t.SubTasks {
		if !IsTerminalSubTaskStatus(st.Status) {
			return false
		}
	}
	return true
}

// TaskSummary is the aggregate written once when a task completes.
type TaskSummary struct {
	CompletedLanguages   []string          `json:"completed_languages"`
	FailedLanguages      []string          `json:"failed_languages,omitempty"`
	MaxProcessingTimeMs  int64             `json:"max_processing_time_ms"`
	AverageCombinedScore *float64          `json:"average_combined_score,omitempty"`
	Languages            []LanguageSummary `json:"languages"`
}

// LanguageSummary is the per-language iteration summary inside a TaskSummary.
type LanguageSummary struct {
	Language    string   `json:"language"`
	Status      string   `json:"status"`
	Iterations  int      `json:"iterations"`
	FinalScore  *float64 `json:"final_score,omitempty"`
	FinalReason string   `json:"final_reason,omitempty"`
}
