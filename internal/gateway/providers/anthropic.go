package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	AnthropicBaseURL      = "https://api.anthropic.com"
	DefaultAnthropicModel = "claude-3-5-haiku-20241022"
)

// AnthropicProvider handles Anthropic Claude vision requests
type AnthropicProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []AnthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string                  `json:"role"`
	Content []AnthropicContentBlock `json:"content"`
}

// AnthropicContentBlock is a text or image block
type AnthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *AnthropicImageSource `json:"source,omitempty"`
}

// AnthropicImageSource carries inline image data
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []AnthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   AnthropicUsage          `json:"usage"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: AnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Caption sends the image as a base64 image block
func (p *AnthropicProvider) Caption(ctx context.Context, image []byte, hint string) (*CaptionResponse, error) {
	startTime := time.Now()

	anthropicReq := AnthropicRequest{
		Model:     p.model,
		MaxTokens: 100,
		Messages: []AnthropicMessage{
			{
				Role: "user",
				Content: []AnthropicContentBlock{
					{
						Type: "image",
						Source: &AnthropicImageSource{
							Type:      "base64",
							MediaType: "image/" + DetectFormat(image),
							Data:      base64.StdEncoding.EncodeToString(image),
						},
					},
					{Type: "text", Text: prompt(hint)},
				},
			},
		},
	}

	reqBody, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API error: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	caption := strings.TrimSpace(text.String())
	if caption == "" {
		return nil, fmt.Errorf("anthropic returned an empty caption")
	}

	return &CaptionResponse{
		Provider:     "anthropic",
		Model:        p.model,
		Caption:      caption,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		LatencyMs:    int(time.Since(startTime).Milliseconds()),
	}, nil
}

// GetProviderName returns the provider name
func (p *AnthropicProvider) GetProviderName() string {
	return "anthropic"
}
