package aiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intellipost/internal/domain"
	"intellipost/internal/infra/prompts"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewGemini("test-key", ts.URL, "gemini-1.5-pro", 5*time.Second, prompts.Default())
}

func geminiBody(text string) string {
	resp := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestGeminiGenerateParsesListing(t *testing.T) {
	var captured geminiRequest
	p := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-pro:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(geminiBody(validListingJSON)))
	})

	content, err := p.Generate(context.Background(), generateRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content.Title != "iPhone 13 Pro 128GB Grafito Usado" {
		t.Fatalf("unexpected title %q", content.Title)
	}
	if content.AIModelVersion != "gemini-1.5-pro" {
		t.Fatalf("expected model recorded, got %q", content.AIModelVersion)
	}
	if captured.SystemInstruction == nil {
		t.Fatalf("expected system instruction")
	}
	// text part plus one file_data part per image
	if got := len(captured.Contents[0].Parts); got != 3 {
		t.Fatalf("expected 3 parts, got %d", got)
	}
}

func TestGeminiClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		p := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error": {"code": 1, "message": "nope"}}`))
		})

		_, err := p.Generate(context.Background(), generateRequest())
		var provErr *domain.AIProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("status %d: expected AIProviderError, got %v", tc.status, err)
		}
		if provErr.Retryable != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
		if provErr.Provider != "gemini" {
			t.Fatalf("unexpected provider %q", provErr.Provider)
		}
	}
}

func TestGeminiEmptyCandidatesIsNotRetryable(t *testing.T) {
	p := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := p.Generate(context.Background(), generateRequest())
	var provErr *domain.AIProviderError
	if !errors.As(err, &provErr) || provErr.Retryable {
		t.Fatalf("expected non-retryable provider error, got %v", err)
	}
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	p := NewGemini("", "", "", time.Second, prompts.Default())

	_, err := p.Generate(context.Background(), generateRequest())
	var provErr *domain.AIProviderError
	if !errors.As(err, &provErr) || provErr.Retryable {
		t.Fatalf("expected non-retryable provider error, got %v", err)
	}
}
