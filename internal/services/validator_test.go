package services

import (
	"errors"
	"testing"

	"github.com/inaiurai/localize/internal/events"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestParseEvent_Valid(t *testing.T) {
	v := newTestValidator(t)

	evt, err := v.ParseEvent([]byte(`{"event":"language_subtask.created","taskId":"abc","timestamp":1700000000000,"data":{"language":"es"}}`))
	if err != nil {
		t.Fatalf("expected valid envelope, got: %v", err)
	}
	if evt.Type != events.KindSubTaskCreated || evt.TaskID != "abc" || evt.Timestamp != 1700000000000 {
		t.Errorf("unexpected decode: %+v", evt)
	}
	if evt.Language() != "es" {
		t.Errorf("expected language es, got %q", evt.Language())
	}
}

func TestParseEvent_FractionalTimestamp(t *testing.T) {
	v := newTestValidator(t)

	evt, err := v.ParseEvent([]byte(`{"event":"task.created","taskId":"abc","timestamp":1700000000000.5,"data":{"languages":["es"]}}`))
	if err != nil {
		t.Fatalf("expected a fractional timestamp to be accepted, got: %v", err)
	}
	if evt.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d, want 1700000000000", evt.Timestamp)
	}
}

func TestParseEvent_UnknownKindIsStructurallyValid(t *testing.T) {
	v := newTestValidator(t)

	evt, err := v.ParseEvent([]byte(`{"event":"something.else","taskId":"abc","timestamp":1,"data":null}`))
	if err != nil {
		t.Fatalf("unknown kinds must pass structural validation, got: %v", err)
	}
	if evt.Type.Known() {
		t.Errorf("expected %q to be unknown", evt.Type)
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name  string
		input string
	}{
		{"not json", `{"event":`},
		{"missing event", `{"taskId":"abc","timestamp":1,"data":{}}`},
		{"missing taskId", `{"event":"task.created","timestamp":1,"data":{}}`},
		{"missing timestamp", `{"event":"task.created","taskId":"abc","data":{}}`},
		{"missing data", `{"event":"task.created","taskId":"abc","timestamp":1}`},
		{"timestamp as string", `{"event":"task.created","taskId":"abc","timestamp":"1","data":{}}`},
		{"event as number", `{"event":5,"taskId":"abc","timestamp":1,"data":{}}`},
		{"array body", `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ParseEvent([]byte(tc.input))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidatePayload_Results(t *testing.T) {
	v := newTestValidator(t)

	ok := events.Event{Type: events.KindResultsReceived, Data: []byte(`{"studyId":"s1","score":4,"reviewerIds":["r1"]}`)}
	if err := v.ValidatePayload(ok); err != nil {
		t.Fatalf("expected valid results payload, got: %v", err)
	}

	cases := []struct {
		name string
		data string
	}{
		{"missing score", `{"studyId":"s1"}`},
		{"no study or language", `{"score":4}`},
		{"negative score", `{"studyId":"s1","score":-1}`},
		{"fractional iteration", `{"language":"de","score":4,"iteration":1.5}`},
		{"reviewer ids not strings", `{"studyId":"s1","score":4,"reviewerIds":[1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidatePayload(events.Event{Type: events.KindResultsReceived, Data: []byte(tc.data)})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidatePayload_KindWithoutSchemaPasses(t *testing.T) {
	v := newTestValidator(t)
	if err := v.ValidatePayload(events.Event{Type: events.KindTaskCompleted, Data: []byte(`"anything"`)}); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
}
