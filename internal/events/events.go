// Package events defines the signed event envelope, the closed set of event
// kinds and the dispatcher that routes each kind to its handler method.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inaiurai/localize/internal/models"
)

// Kind is an event type string from the closed set below.
type Kind string

const (
	KindTaskCreated                Kind = "task.created"
	KindSubTaskCreated             Kind = "language_subtask.created"
	KindTranslationStarted         Kind = "subtask.translation.started"
	KindTranslationCompleted       Kind = "subtask.translation.completed"
	KindLLMVerificationStarted     Kind = "subtask.llm_verification.started"
	KindLLMVerificationCompleted   Kind = "subtask.llm_verification.completed"
	KindReviewBatchCreated         Kind = "review_batch.created"
	KindStudyCreated               Kind = "prolific_study.created"
	KindStudyPublished             Kind = "prolific_study.published"
	KindResultsReceived            Kind = "prolific_results.received"
	KindLLMReverificationStarted   Kind = "subtask.llm_reverification.started"
	KindLLMReverificationCompleted Kind = "subtask.llm_reverification.completed"
	KindIterationContinuing        Kind = "subtask.iteration.continuing"
	KindSubTaskFinalized           Kind = "subtask.finalized"
	KindTaskCompleted              Kind = "task.completed"
)

var kinds = []Kind{
	KindTaskCreated,
	KindSubTaskCreated,
	KindTranslationStarted,
	KindTranslationCompleted,
	KindLLMVerificationStarted,
	KindLLMVerificationCompleted,
	KindReviewBatchCreated,
	KindStudyCreated,
	KindStudyPublished,
	KindResultsReceived,
	KindLLMReverificationStarted,
	KindLLMReverificationCompleted,
	KindIterationContinuing,
	KindSubTaskFinalized,
	KindTaskCompleted,
}

// Kinds returns every known event kind.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Known reports whether k is in the closed set.
func (k Kind) Known() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is the envelope shared by inbound and outbound events.
// Timestamp is POSIX milliseconds.
type Event struct {
	Type      Kind            `json:"event"`
	TaskID    string          `json:"taskId"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// UnmarshalJSON accepts any JSON number as the timestamp, truncating a
// fractional one to whole milliseconds.
func (e *Event) UnmarshalJSON(b []byte) error {
	type envelope Event
	var raw struct {
		envelope
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event(raw.envelope)
	e.Timestamp = int64(raw.Timestamp)
	return nil
}

// New builds an event for taskID with data marshalled as the payload.
func New(kind Kind, taskID string, data any, now time.Time) (Event, error) {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Type: kind, TaskID: taskID, Timestamp: now.UnixMilli(), Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// Language extracts the "language" field shared by sub-task payloads.
func (e Event) Language() string {
	var d struct {
		Language string `json:"language"`
	}
	_ = json.Unmarshal(e.Data, &d)
	return d.Language
}

// --- payloads ---

type TaskCreatedData struct {
	Languages []string `json:"languages"`
}

type SubTaskData struct {
	Language string `json:"language"`
}

type TranslationCompletedData struct {
	Language       string `json:"language"`
	TranslatedText string `json:"translatedText,omitempty"`
}

type VerificationData struct {
	Language  string  `json:"language"`
	Iteration int     `json:"iteration"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback,omitempty"`
}

type ReviewBatchData struct {
	BatchID   string   `json:"batchId"`
	Languages []string `json:"languages"`
}

type StudyData struct {
	StudyID   string   `json:"studyId"`
	BatchID   string   `json:"batchId,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

type ResultsData struct {
	StudyID     string   `json:"studyId,omitempty"`
	Language    string   `json:"language,omitempty"`
	Iteration   int      `json:"iteration,omitempty"`
	Score       float64  `json:"score"`
	Feedback    string   `json:"feedback,omitempty"`
	ReviewerIDs []string `json:"reviewerIds,omitempty"`
}

type ReverificationData struct {
	Language      string  `json:"language"`
	Iteration     int     `json:"iteration"`
	Score         float64 `json:"score,omitempty"`
	CombinedScore float64 `json:"combinedScore,omitempty"`
}

type IterationContinuingData struct {
	Language      string             `json:"language"`
	NextIteration int                `json:"nextIteration"`
	CombinedScore float64            `json:"combinedScore"`
	Threshold     float64            `json:"threshold"`
	History       []models.Iteration `json:"history"`
}

type FinalizedData struct {
	Language    string  `json:"language"`
	Iteration   int     `json:"iteration"`
	FinalReason string  `json:"finalReason"`
	Score       float64 `json:"score"`
}

type TaskCompletedData struct {
	Summary models.TaskSummary `json:"summary"`
}
