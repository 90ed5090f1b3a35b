package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Language sub-task status enums.
const (
	SubTaskStatusPending             = "pending"
	SubTaskStatusTranslating         = "translating"
	SubTaskStatusTranslationComplete = "translation_complete"
	SubTaskStatusLLMVerifying        = "llm_verifying"
	SubTaskStatusLLMVerified         = "llm_verified"
	SubTaskStatusReviewReady         = "review_ready"
	SubTaskStatusReviewQueued        = "review_queued"
	SubTaskStatusReviewActive        = "review_active"
	SubTaskStatusReviewComplete      = "review_complete"
	SubTaskStatusLLMReverifying      = "llm_reverifying"
	SubTaskStatusIterationComplete   = "iteration_complete"
	SubTaskStatusFinalized           = "finalized"
	SubTaskStatusFailed              = "failed"
)

// Finalization reasons.
const (
	FinalReasonThresholdMet         = "threshold_met"
	FinalReasonMaxIterationsReached = "max_iterations_reached"
)

// SubTask is the per-language unit of work within a task.
type SubTask struct {
	TaskID              uuid.UUID   `json:"task_id"`
	Language            string      `json:"language"`
	Status              string      `json:"status"`
	CurrentIteration    int         `json:"current_iteration"`
	MaxIterations       int         `json:"max_iterations"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	Iterations          []Iteration `json:"iterations"`
	TranslatedText      string      `json:"translated_text,omitempty"`
	BatchID             string      `json:"batch_id,omitempty"`
	StudyID             string      `json:"study_id,omitempty"`
	FinalReason         string      `json:"final_reason,omitempty"`
	Error               string      `json:"error,omitempty"`
	StartedAt           *time.Time  `json:"started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// LatestIteration returns the most recent iteration, or nil before the first verification.
func (s *SubTask) LatestIteration() *Iteration {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// ProcessingTime is the wall time between start and completion; zero while running.
func (s *SubTask) ProcessingTime() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// SubTaskUpdate is a field-level update. Nil fields are left untouched.
// AppendIteration adds a new record; ReplaceIteration overwrites the open
// record with the same number and is refused once that record is completed.
type SubTaskUpdate struct {
	Status           *string
	CurrentIteration *int
	TranslatedText   *string
	BatchID          *string
	StudyID          *string
	FinalReason      *string
	Error            *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	AppendIteration  *Iteration
	ReplaceIteration *Iteration
}

// Ptr returns a pointer to v; used to build SubTaskUpdate literals.
func Ptr[T any](v T) *T { return &v }

var subTaskTransitions = map[string]map[string]struct{}{
	SubTaskStatusPending:             {SubTaskStatusTranslating: {}},
	SubTaskStatusTranslating:         {SubTaskStatusTranslationComplete: {}},
	SubTaskStatusTranslationComplete: {SubTaskStatusLLMVerifying: {}},
	SubTaskStatusLLMVerifying:        {SubTaskStatusLLMVerified: {}},
	SubTaskStatusLLMVerified:         {SubTaskStatusReviewReady: {}, SubTaskStatusFinalized: {}},
	SubTaskStatusReviewReady:         {SubTaskStatusReviewQueued: {}},
	SubTaskStatusReviewQueued:        {SubTaskStatusReviewActive: {}, SubTaskStatusReviewComplete: {}},
	SubTaskStatusReviewActive:        {SubTaskStatusReviewComplete: {}},
	SubTaskStatusReviewComplete:      {SubTaskStatusLLMReverifying: {}},
	SubTaskStatusLLMReverifying:      {SubTaskStatusIterationComplete: {}},
	SubTaskStatusIterationComplete:   {SubTaskStatusReviewReady: {}, SubTaskStatusFinalized: {}},
	SubTaskStatusFinalized:           {},
	SubTaskStatusFailed:              {},
}

// IsTerminalSubTaskStatus reports whether status is finalized or failed.
func IsTerminalSubTaskStatus(status string) bool {
	return status == SubTaskStatusFinalized || status == SubTaskStatusFailed
}

// ValidSubTaskTransition checks a move against the sub-task state machine.
// Any non-terminal state may move to failed.
func ValidSubTaskTransition(from, to string) error {
	next, ok := subTaskTransitions[from]
	if !ok {
		return fmt.Errorf("invalid sub-task status: %q", from)
	}
	if _, ok := subTaskTransitions[to]; !ok {
		return fmt.Errorf("invalid sub-task status: %q", to)
	}
	if to == SubTaskStatusFailed && !IsTerminalSubTaskStatus(from) {
		return nil
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid sub-task transition: %s -> %s", from, to)
	}
	return nil
}

// ActiveSubTaskStatuses lists every status a failure may move out of.
func ActiveSubTaskStatuses() []string {
	out := make([]string, 0, len(subTaskTransitions))
	for status := range subTaskTransitions {
		if !IsTerminalSubTaskStatus(status) {
			out = append(out, status)
		}
	}
	return out
}
