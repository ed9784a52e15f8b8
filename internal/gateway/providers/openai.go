package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"

	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
)

// OpenAIProvider handles OpenAI-compatible vision requests. OpenRouter
// speaks the same API under a different base URL.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		name:   "openai",
		model:  model,
		client: openai.NewClient(apiKey),
	}
}

// NewOpenRouterProvider creates an OpenAI-compatible provider pointed at OpenRouter
func NewOpenRouterProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenRouterModel
	}
	return newOpenAICompatible("openrouter", apiKey, OpenRouterBaseURL, model)
}

func newOpenAICompatible(name, apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Caption sends the image as a data URI in a single user message
func (p *OpenAIProvider) Caption(ctx context.Context, image []byte, hint string) (*CaptionResponse, error) {
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: 100,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt(hint)},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    DataURI(image),
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("%s API error: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	caption := strings.TrimSpace(resp.Choices[0].Message.Content)
	if caption == "" {
		return nil, fmt.Errorf("%s returned an empty caption", p.name)
	}

	return &CaptionResponse{
		Provider:     p.name,
		Model:        p.model,
		Caption:      caption,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMs:    int(time.Since(startTime).Milliseconds()),
	}, nil
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return p.name
}
