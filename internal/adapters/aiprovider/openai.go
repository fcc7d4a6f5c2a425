package aiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"intellipost/internal/domain"
	openai "intellipost/internal/infra/openai"
	"intellipost/internal/infra/prompts"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements the AI provider contract over Chat Completions with
// multimodal image input.
type OpenAI struct {
	client  chatClient
	model   string
	prompts prompts.Config
}

var _ domain.AIProvider = (*OpenAI)(nil)

// NewOpenAI creates the OpenAI listing generator.
func NewOpenAI(client chatClient, model string, promptCfg prompts.Config) *OpenAI {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAI{client: client, model: model, prompts: promptCfg}
}

// Name identifies the provider in stored content and metrics.
func (p *OpenAI) Name() string { return "openai" }

// listingPayload is the JSON contract the model is instructed to return.
type listingPayload struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	CategoryID   string             `json:"category_id"`
	CategoryName string             `json:"category_name"`
	Price        float64            `json:"price"`
	Currency     string             `json:"currency"`
	Condition    string             `json:"condition"`
	Attributes   map[string]string  `json:"attributes"`
	Confidence   map[string]float64 `json:"confidence"`
}

// Generate builds one listing candidate from the product photos and prompt.
func (p *OpenAI) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedContent, error) {
	if len(req.ImageURLs) == 0 {
		return domain.GeneratedContent{}, &domain.ValidationError{Field: "images", Reason: "at least one image is required"}
	}

	parts := make([]openai.ContentPart, 0, len(req.ImageURLs)+1)
	parts = append(parts, openai.TextPart(p.prompts.UserPrompt(req.Prompt, req.CategoryHint)))
	for _, url := range req.ImageURLs {
		parts = append(parts, openai.ImagePart(url))
	}

	completion, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0.2,
		MaxTokens:   1200,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: p.prompts.System},
			{Role: openai.RoleUser, Content: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	})
	if err != nil {
		return domain.GeneratedContent{}, p.wrapCallError(err)
	}
	if len(completion.Choices) == 0 {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: errors.New("empty completion")}
	}

	raw := strings.TrimSpace(completion.Choices[0].Message.Content)
	var payload listingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("decode listing payload: %w", err)}
	}
	content, err := contentFromPayload(payload)
	if err != nil {
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}
	content.AIModelVersion = completion.Model
	if content.AIModelVersion == "" {
		content.AIModelVersion = p.model
	}
	return content, nil
}

// Score aggregates the provider-reported breakdown. Deterministic local
// aggregation is authoritative; the provider never supplies an overall value
// that is trusted as-is.
func (p *OpenAI) Score(_ context.Context, content domain.GeneratedContent) (domain.ConfidenceScore, error) {
	return scoreLocally(content), nil
}

// wrapCallError maps transport failures to the uniform provider error:
// 429 and 5xx are transient, other API statuses are structural, everything
// else (network) is transient.
func (p *OpenAI) wrapCallError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
		return &domain.AIProviderError{Provider: p.Name(), Retryable: retryable, Err: err}
	}
	return &domain.AIProviderError{Provider: p.Name(), Retryable: true, Err: err}
}

// contentFromPayload validates the structural contract of a parsed payload.
// A payload that parsed but misses required fields is malformed, not a
// transient fault.
func contentFromPayload(payload listingPayload) (domain.GeneratedContent, error) {
	title := strings.TrimSpace(payload.Title)
	description := strings.TrimSpace(payload.Description)
	if len([]rune(title)) < domain.TitleMinLen {
		return domain.GeneratedContent{}, fmt.Errorf("title too short: %q", title)
	}
	if runes := []rune(title); len(runes) > domain.TitleMaxLen {
		title = string(runes[:domain.TitleMaxLen])
	}
	if len([]rune(description)) < domain.DescriptionMin {
		return domain.GeneratedContent{}, errors.New("description too short")
	}
	if payload.Price < 0 {
		return domain.GeneratedContent{}, fmt.Errorf("negative price %v", payload.Price)
	}
	condition := strings.ToLower(strings.TrimSpace(payload.Condition))
	if condition != "new" && condition != "used" {
		condition = "not_specified"
	}
	attributes := payload.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	return domain.GeneratedContent{
		Title:               title,
		Description:         description,
		CategoryID:          strings.TrimSpace(payload.CategoryID),
		CategoryName:        strings.TrimSpace(payload.CategoryName),
		Price:               payload.Price,
		Currency:            strings.ToUpper(strings.TrimSpace(payload.Currency)),
		Condition:           condition,
		Attributes:          attributes,
		ConfidenceBreakdown: payload.Confidence,
	}, nil
}
