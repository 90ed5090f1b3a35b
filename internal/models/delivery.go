package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery outcome enums.
const (
	DeliveryOutcomeSuccess = "success"
	DeliveryOutcomeFailed  = "failed"
)

// Delivery is one outbound event attempt in a task's delivery log.
type Delivery struct {
	ID          uuid.UUID  `json:"id"`
	TaskID      uuid.UUID  `json:"task_id"`
	EventType   string     `json:"event_type"`
	Language    string     `json:"language,omitempty"`
	Destination string     `json:"destination"`
	Attempt     int        `json:"attempt"`
	Outcome     string     `json:"outcome"`
	StatusCode  int        `json:"status_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Payload     []byte     `json:"-"`
	AttemptedAt time.Time  `json:"attempted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
