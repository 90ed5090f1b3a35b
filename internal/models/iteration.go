package models

import "time"

// Iteration is one verify -> review -> re-verify pass of a sub-task.
type Iteration struct {
	Number                 int           `json:"number"`
	BatchID                string        `json:"batch_id,omitempty"`
	StudyID                string        `json:"study_id,omitempty"`
	LLMVerification        *Verification `json:"llm_verification,omitempty"`
	HumanReview            *HumanReview  `json:"human_review,omitempty"`
	PostReviewVerification *Verification `json:"post_review_verification,omitempty"`
	CombinedScore          *float64      `json:"combined_score,omitempty"`
	NeedsAnotherIteration  bool          `json:"needs_another_iteration"`
	FinalReason            string        `json:"final_reason,omitempty"`
	StartedAt              time.Time     `json:"started_at"`
	CompletedAt            *time.Time    `json:"completed_at,omitempty"`
}

// UsedReviewRound reports whether a closed iteration was reviewed
// under batchID or studyID. Empty ids never match.
func UsedReviewRound(iterations []Iteration, batchID, studyID string) bool {
	for _, it := range iterations {
		if !it.Completed() {
			continue
		}
		if (batchID != "" && it.BatchID == batchID) || (studyID != "" && it.StudyID == studyID) {
			return true
		}
	}
	return false
}

// Completed reports whether the iteration is closed and therefore immutable.
func (it *Iteration) Completed() bool {
	return it.CompletedAt != nil
}

// FinalScore is the score the iteration was judged on: the combined score
// after a human review, otherwise the machine verification score.
func (it *Iteration) FinalScore() (float64, bool) {
	if it.CombinedScore != nil {
		return *it.CombinedScore, true
	}
	if it.LLMVerification != nil {
		return it.LLMVerification.Score, true
	}
	return 0, false
}

// Verification is a machine (LLM) scoring result, normalized to the 1-5 scale.
type Verification struct {
	Score       float64   `json:"score"`
	RawScore    float64   `json:"raw_score"`
	Feedback    string    `json:"feedback,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// HumanReview is the marketplace review result for one iteration.
type HumanReview struct {
	Score       float64   `json:"score"`
	Feedback    string    `json:"feedback,omitempty"`
	ReviewerIDs []string  `json:"reviewer_ids,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// CombineScores is the arithmetic mean of the human score and the post-review machine score.
func CombineScores(human, postReview float64) float64 {
	return (human + postReview) / 2
}
