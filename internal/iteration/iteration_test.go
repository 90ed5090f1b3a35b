package iteration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/localize/internal/delivery"
	"github.com/inaiurai/localize/internal/events"
	"github.com/inaiurai/localize/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubStore struct {
	applied bool
	from    []string
	upd     models.SubTaskUpdate
}

func (s *stubStore) UpdateSubTask(_ context.Context, _ uuid.UUID, _ string, upd models.SubTaskUpdate, from ...string) (bool, error) {
	s.upd = upd
	s.from = from
	return s.applied, nil
}

type recordingEmitter struct {
	sent []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt events.Event) (delivery.Result, error) {
	r.sent = append(r.sent, evt)
	return delivery.Result{Outcome: models.DeliveryOutcomeSuccess}, nil
}

func scoredSubTask(current, budget int, threshold, combined float64) *models.SubTask {
	iters := make([]models.Iteration, current)
	for i := range iters {
		iters[i] = models.Iteration{Number: i + 1, StartedAt: time.Now()}
	}
	iters[current-1].CombinedScore = models.Ptr(combined)
	return &models.SubTask{
		TaskID:              uuid.New(),
		Language:            "fr",
		Status:              models.SubTaskStatusIterationComplete,
		CurrentIteration:    current,
		MaxIterations:       budget,
		ConfidenceThreshold: threshold,
		Iterations:          iters,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDecide(t *testing.T) {
	cases := []struct {
		name   string
		in     Input
		needs  bool
		next   int
		reason string
	}{
		{"meets threshold", Input{4.5, 4.2, 1, 3}, false, 0, models.FinalReasonThresholdMet},
		{"exactly threshold via average", Input{(4.0 + 4.4) / 2, 4.2, 1, 3}, false, 0, models.FinalReasonThresholdMet},
		{"below with budget", Input{3.9, 4.2, 1, 3}, true, 2, ""},
		{"below at budget", Input{3.9, 4.2, 3, 3}, false, 0, models.FinalReasonMaxIterationsReached},
		{"meets at budget", Input{4.2, 4.2, 3, 3}, false, 0, models.FinalReasonThresholdMet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.in)
			if d.NeedsAnotherIteration != tc.needs || d.NextIteration != tc.next || d.FinalReason != tc.reason {
				t.Errorf("Decide(%+v) = %+v", tc.in, d)
			}
		})
	}
}

func TestDecide_AlwaysTerminatesWithinBudget(t *testing.T) {
	for budget := 1; budget <= 5; budget++ {
		current := 1
		for {
			d := Decide(Input{CombinedScore: 1.0, Threshold: 5.0, CurrentIteration: current, MaxIterations: budget})
			if !d.NeedsAnotherIteration {
				if d.FinalReason != models.FinalReasonMaxIterationsReached {
					t.Errorf("budget %d: expected max_iterations_reached, got %q", budget, d.FinalReason)
				}
				break
			}
			current = d.NextIteration
			if current > budget {
				t.Fatalf("budget %d: iteration %d exceeds budget", budget, current)
			}
		}
		if current != budget {
			t.Errorf("budget %d: stopped at %d", budget, current)
		}
	}
}

func TestAdvance_Continue(t *testing.T) {
	store := &stubStore{applied: true}
	em := &recordingEmitter{}
	m := NewManager(store, em, nil)
	sub := scoredSubTask(1, 3, 4.8, 4.0)

	out, err := m.Advance(context.Background(), sub)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !out.Applied || !out.NeedsAnotherIteration || out.NextIteration != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(store.from) != 1 || store.from[0] != models.SubTaskStatusIterationComplete {
		t.Errorf("expected CAS from iteration_complete, got %v", store.from)
	}
	if *store.upd.Status != models.SubTaskStatusReviewReady || *store.upd.CurrentIteration != 2 {
		t.Errorf("unexpected update: %+v", store.upd)
	}
	if store.upd.ReplaceIteration == nil || !store.upd.ReplaceIteration.Completed() || !store.upd.ReplaceIteration.NeedsAnotherIteration {
		t.Errorf("expected closed iteration 1 marked for another round")
	}
	if store.upd.StudyID == nil || *store.upd.StudyID != "" || store.upd.BatchID == nil || *store.upd.BatchID != "" {
		t.Errorf("expected the next round to start without a batch or study")
	}
	if store.upd.AppendIteration == nil || store.upd.AppendIteration.Number != 2 {
		t.Errorf("expected iteration 2 appended")
	}
	if len(em.sent) != 1 || em.sent[0].Type != events.KindIterationContinuing {
		t.Fatalf("expected continuing event, got %+v", em.sent)
	}
	var data events.IterationContinuingData
	if err := em.sent[0].Decode(&data); err != nil {
		t.Fatal(err)
	}
	if len(data.History) != 2 || data.NextIteration != 2 || data.Threshold != 4.8 {
		t.Errorf("unexpected continuing payload: %+v", data)
	}
}

func TestAdvance_FinalizeAtBudget(t *testing.T) {
	store := &stubStore{applied: true}
	em := &recordingEmitter{}
	m := NewManager(store, em, nil)
	sub := scoredSubTask(2, 2, 4.8, 4.0)

	out, err := m.Advance(context.Background(), sub)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if out.NeedsAnotherIteration || out.FinalReason != models.FinalReasonMaxIterationsReached {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if *store.upd.Status != models.SubTaskStatusFinalized || *store.upd.FinalReason != models.FinalReasonMaxIterationsReached {
		t.Errorf("unexpected update: %+v", store.upd)
	}
	if store.upd.StudyID != nil {
		t.Errorf("finalizing must keep the study id")
	}
	if store.upd.AppendIteration != nil {
		t.Errorf("finalize must not open a new iteration")
	}
	if len(em.sent) != 1 || em.sent[0].Type != events.KindSubTaskFinalized {
		t.Fatalf("expected finalized event, got %+v", em.sent)
	}
}

func TestAdvance_AlreadyAdvancedIsNoop(t *testing.T) {
	em := &recordingEmitter{}
	m := NewManager(&stubStore{applied: false}, em, nil)
	out, err := m.Advance(context.Background(), scoredSubTask(1, 3, 4.2, 4.5))
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied || len(em.sent) != 0 {
		t.Errorf("expected no-op, got %+v and %d events", out, len(em.sent))
	}
}

func TestAdvance_RequiresScore(t *testing.T) {
	m := NewManager(&stubStore{applied: true}, &recordingEmitter{}, nil)
	sub := scoredSubTask(1, 3, 4.2, 4.5)
	sub.Iterations[0].CombinedScore = nil
	if _, err := m.Advance(context.Background(), sub); err == nil {
		t.Fatal("expected error for unscored iteration")
	}
}
