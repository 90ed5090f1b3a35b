package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// recorder implements Handler and records which method saw each event.
type recorder struct {
	got []Kind
}

func (r *recorder) rec(evt Event) error { r.got = append(r.got, evt.Type); return nil }

func (r *recorder) OnTaskCreated(_ context.Context, e Event) error              { return r.rec(e) }
func (r *recorder) OnSubTaskCreated(_ context.Context, e Event) error           { return r.rec(e) }
func (r *recorder) OnTranslationStarted(_ context.Context, e Event) error       { return r.rec(e) }
func (r *recorder) OnTranslationCompleted(_ context.Context, e Event) error     { return r.rec(e) }
func (r *recorder) OnLLMVerificationStarted(_ context.Context, e Event) error   { return r.rec(e) }
func (r *recorder) OnLLMVerificationCompleted(_ context.Context, e Event) error { return r.rec(e) }
func (r *recorder) OnReviewBatchCreated(_ context.Context, e Event) error       { return r.rec(e) }
func (r *recorder) OnStudyCreated(_ context.Context, e Event) error             { return r.rec(e) }
func (r *recorder) OnStudyPublished(_ context.Context, e Event) error           { return r.rec(e) }
func (r *recorder) OnResultsReceived(_ context.Context, e Event) error          { return r.rec(e) }
func (r *recorder) OnLLMReverificationStarted(_ context.Context, e Event) error { return r.rec(e) }
func (r *recorder) OnLLMReverificationCompleted(_ context.Context, e Event) error {
	return r.rec(e)
}
func (r *recorder) OnIterationContinuing(_ context.Context, e Event) error { return r.rec(e) }
func (r *recorder) OnSubTaskFinalized(_ context.Context, e Event) error    { return r.rec(e) }
func (r *recorder) OnTaskCompleted(_ context.Context, e Event) error       { return r.rec(e) }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDispatch_EveryKindReachesItsMethod(t *testing.T) {
	r := &recorder{}
	for _, k := range Kinds() {
		if err := Dispatch(context.Background(), r, Event{Type: k}); err != nil {
			t.Fatalf("Dispatch(%s): %v", k, err)
		}
	}
	if len(r.got) != len(Kinds()) {
		t.Fatalf("dispatched %d, want %d", len(r.got), len(Kinds()))
	}
	for i, k := range Kinds() {
		if r.got[i] != k {
			t.Errorf("event %d went to %s, want %s", i, r.got[i], k)
		}
	}
}

func TestDispatch_UnknownKind(t *testing.T) {
	r := &recorder{}
	err := Dispatch(context.Background(), r, Event{Type: "subtask.teleported"})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
	if len(r.got) != 0 {
		t.Error("no handler should run")
	}
	if Kind("subtask.teleported").Known() {
		t.Error("Known() for an unlisted kind")
	}
}

func TestNewAndDecode(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	evt, err := New(KindLLMVerificationCompleted, "task-1", VerificationData{Language: "de", Iteration: 1, Score: 4.2}, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if evt.Timestamp != now.UnixMilli() || evt.TaskID != "task-1" {
		t.Errorf("envelope = %+v", evt)
	}
	if evt.Language() != "de" {
		t.Errorf("Language() = %q", evt.Language())
	}
	var d VerificationData
	if err := evt.Decode(&d); err != nil || d.Score != 4.2 {
		t.Errorf("Decode = %+v, %v", d, err)
	}

	empty := Event{Type: KindTaskCreated}
	if err := empty.Decode(&d); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("empty data: err = %v, want ErrMalformedEvent", err)
	}
	bad := Event{Type: KindTaskCreated, Data: []byte(`{"languages":"de"}`)}
	var tc TaskCreatedData
	if err := bad.Decode(&tc); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("wrong shape: err = %v, want ErrMalformedEvent", err)
	}
}

func TestNew_NilDataIsEmptyObject(t *testing.T) {
	evt, err := New(KindTaskCompleted, "t", nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(evt.Data) != "{}" {
		t.Errorf("data = %s, want {}", evt.Data)
	}
}

func TestEventUnmarshal_FractionalTimestamp(t *testing.T) {
	var evt Event
	raw := `{"event":"task.created","taskId":"t","timestamp":1700000000123.75,"data":{"languages":["de"]}}`
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if evt.Timestamp != 1_700_000_000_123 || evt.Type != KindTaskCreated || evt.TaskID != "t" {
		t.Errorf("envelope = %+v", evt)
	}
	var d TaskCreatedData
	if err := evt.Decode(&d); err != nil || len(d.Languages) != 1 {
		t.Errorf("Decode = %+v, %v", d, err)
	}
	if err := json.Unmarshal([]byte(`{"event":"task.created","timestamp":"soon"}`), &evt); err == nil {
		t.Error("expected error for a string timestamp")
	}
}
