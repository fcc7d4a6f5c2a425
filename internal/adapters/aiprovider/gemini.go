package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
	"intellipost/internal/infra/prompts"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini implements the AI provider contract over the Generative Language
// REST API. Used as the fallback backend.
type Gemini struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	prompts prompts.Config
}

var _ domain.AIProvider = (*Gemini)(nil)

// NewGemini creates the Gemini listing generator.
func NewGemini(apiKey, baseURL, model string, timeout time.Duration, promptCfg prompts.Config) *Gemini {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if model == "" {
		model = "gemini-1.5-pro"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gemini{
		http:    &http.Client{Timeout: timeout + 5*time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		prompts: promptCfg,
	}
}

// Name identifies the provider in stored content and metrics.
func (p *Gemini) Name() string { return "gemini" }

type geminiPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *geminiFileData `json:"file_data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  map[string]any  `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate builds one listing candidate from the product photos and prompt.
func (p *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedContent, error) {
	if len(req.ImageURLs) == 0 {
		return domain.GeneratedContent{}, &domain.ValidationError{Field: "images", Reason: "at least one image is required"}
	}
	if p.apiKey == "" {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: errors.New("api key is empty")}
	}

	parts := []geminiPart{{Text: p.prompts.UserPrompt(req.Prompt, req.CategoryHint)}}
	for _, url := range req.ImageURLs {
		parts = append(parts, geminiPart{FileData: &geminiFileData{FileURI: url}})
	}
	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: p.prompts.System}}},
		Contents:          []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig:  map[string]any{"response_mime_type": "application/json", "temperature": 0.2},
	})
	if err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate_content", p.model, start, err)
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate_content", p.model, start, err)
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
		var parsed geminiResponse
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		apiErr := fmt.Errorf("gemini: %s", msg)
		metrics.ObserveNetworkRequest("gemini", "generate_content", p.model, start, apiErr)
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: retryable, Err: apiErr}
	}
	metrics.ObserveNetworkRequest("gemini", "generate_content", p.model, start, nil)

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: errors.New("empty candidates")}
	}

	raw := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	var payload listingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("decode listing payload: %w", err)}
	}
	content, err := contentFromPayload(payload)
	if err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}
	content.AIModelVersion = p.model
	return content, nil
}

// Score aggregates the provider-reported breakdown, same rule as OpenAI.
func (p *Gemini) Score(_ context.Context, content domain.GeneratedContent) (domain.ConfidenceScore, error) {
	return scoreLocally(content), nil
}
