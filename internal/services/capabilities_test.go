package services

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeScore(t *testing.T) {
	cases := []struct {
		name          string
		raw, min, max float64
		want          float64
	}{
		{"already 1-5", 4.2, 0, 0, 4.2},
		{"percent top", 100, 0, 100, 5},
		{"percent bottom", 0, 0, 100, 1},
		{"percent mid", 50, 0, 100, 3},
		{"ten point", 8, 0, 10, 4.2},
		{"clamped high", 7, 0, 0, 5},
		{"clamped low", 0.2, 0, 0, 1},
		{"degenerate scale", 3, 5, 5, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeScore(tc.raw, tc.min, tc.max)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("NormalizeScore(%v,%v,%v) = %v, want %v", tc.raw, tc.min, tc.max, got, tc.want)
			}
		})
	}
}

func TestTranslationClient_Translate(t *testing.T) {
	var got TranslationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"translated_text":"hola mundo"}`))
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	text, err := c.Translate(context.Background(), TranslationRequest{SourceText: "hello world", TargetLanguage: "es"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if text != "hola mundo" {
		t.Errorf("expected translated text, got %q", text)
	}
	if got.TargetLanguage != "es" || got.SourceText != "hello world" {
		t.Errorf("unexpected request body: %+v", got)
	}
}

func TestTranslationClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewTranslationClient(srv.URL, time.Second)
	if _, err := c.Translate(context.Background(), TranslationRequest{TargetLanguage: "fr"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestScoringClient_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ScoreRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.HumanFeedback != "too literal" {
			http.Error(w, "feedback missing", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"score":80,"min":0,"max":100,"findings":"ok"}`))
	}))
	defer srv.Close()

	c := NewScoringClient(srv.URL, time.Second)
	res, err := c.Score(context.Background(), ScoreRequest{TargetLanguage: "fr", HumanFeedback: "too literal"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(res.Normalized()-4.2) > 1e-9 {
		t.Errorf("expected normalized 4.2, got %v", res.Normalized())
	}
}

func TestCapabilityClient_Unconfigured(t *testing.T) {
	c := NewReviewClient("", time.Second)
	if err := c.RequestReview(context.Background(), ReviewRequest{TaskID: "t", Language: "es"}); err == nil {
		t.Fatal("expected error when endpoint is not configured")
	}
}
