package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultCapabilityTimeout = 60 * time.Second

// capabilityClient posts JSON to one external capability endpoint.
type capabilityClient struct {
	url        string
	httpClient *http.Client
}

func newCapabilityClient(url string, timeout time.Duration) capabilityClient {
	if timeout <= 0 {
		timeout = defaultCapabilityTimeout
	}
	return capabilityClient{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c capabilityClient) post(ctx context.Context, in, out any) error {
	if strings.TrimSpace(c.url) == "" {
		return fmt.Errorf("capability endpoint not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", c.url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.url, err)
	}
	return nil
}

// --- translation ---

// TranslationRequest asks for one target language.
type TranslationRequest struct {
	SourceText     string `json:"source_text"`
	Guidelines     string `json:"guidelines,omitempty"`
	TargetLanguage string `json:"target_language"`
}

type translationResponse struct {
	TranslatedText string `json:"translated_text"`
}

// TranslationClient calls the machine-translation provider.
type TranslationClient struct {
	capabilityClient
}

func NewTranslationClient(url string, timeout time.Duration) *TranslationClient {
	return &TranslationClient{newCapabilityClient(url, timeout)}
}

func (c *TranslationClient) Translate(ctx context.Context, req TranslationRequest) (string, error) {
	var resp translationResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return "", fmt.Errorf("translate %s: %w", req.TargetLanguage, err)
	}
	if strings.TrimSpace(resp.TranslatedText) == "" {
		return "", fmt.Errorf("translate %s: empty translation", req.TargetLanguage)
	}
	return resp.TranslatedText, nil
}

// --- scoring ---

// ScoreRequest asks the LLM scorer to grade a translation. HumanFeedback is
// set on re-verification rounds.
type ScoreRequest struct {
	SourceText     string `json:"source_text"`
	TranslatedText string `json:"translated_text"`
	Guidelines     string `json:"guidelines,omitempty"`
	TargetLanguage string `json:"target_language"`
	HumanFeedback  string `json:"human_feedback,omitempty"`
}

// ScoreResult is the scorer's answer on its own scale. Min and Max default
// to the 1-5 scale when both are zero.
type ScoreResult struct {
	Score      float64 `json:"score"`
	Min        float64 `json:"min,omitempty"`
	Max        float64 `json:"max,omitempty"`
	Findings   string  `json:"findings,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Normalized maps Score onto the 1-5 scale used for threshold comparison.
func (r ScoreResult) Normalized() float64 {
	return NormalizeScore(r.Score, r.Min, r.Max)
}

// NormalizeScore maps raw from [scaleMin,scaleMax] onto [1,5], clamping outliers.
func NormalizeScore(raw, scaleMin, scaleMax float64) float64 {
	if scaleMin == 0 && scaleMax == 0 {
		scaleMin, scaleMax = 1, 5
	}
	if scaleMax <= scaleMin {
		return clamp(raw, 1, 5)
	}
	scaled := 1 + (raw-scaleMin)/(scaleMax-scaleMin)*4
	return clamp(scaled, 1, 5)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoringClient calls the LLM scoring provider.
type ScoringClient struct {
	capabilityClient
}

func NewScoringClient(url string, timeout time.Duration) *ScoringClient {
	return &ScoringClient{newCapabilityClient(url, timeout)}
}

func (c *ScoringClient) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	var resp ScoreResult
	if err := c.post(ctx, req, &resp); err != nil {
		return ScoreResult{}, fmt.Errorf("score %s: %w", req.TargetLanguage, err)
	}
	return resp, nil
}

// --- human review ---

// ReviewRequest hands a sub-task in review_ready to the review marketplace.
type ReviewRequest struct {
	TaskID         string `json:"task_id"`
	Language       string `json:"language"`
	Iteration      int    `json:"iteration"`
	SourceText     string `json:"source_text"`
	TranslatedText string `json:"translated_text"`
	Guidelines     string `json:"guidelines,omitempty"`
	LLMFeedback    string `json:"llm_feedback,omitempty"`
}

// ReviewClient notifies the batching collaborator. Results come back later
// as a prolific_results.received event.
type ReviewClient struct {
	capabilityClient
}

func NewReviewClient(url string, timeout time.Duration) *ReviewClient {
	return &ReviewClient{newCapabilityClient(url, timeout)}
}

func (c *ReviewClient) RequestReview(ctx context.Context, req ReviewRequest) error {
	if err := c.post(ctx, req, nil); err != nil {
		return fmt.Errorf("request review %s/%s: %w", req.TaskID, req.Language, err)
	}
	return nil
}
