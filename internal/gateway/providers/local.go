package providers

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

// HTTPLocalCaptioner calls the local captioning service. The image is
// posted raw to {baseURL}/caption and the reply is a LocalCaption.
type HTTPLocalCaptioner struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPLocalCaptioner creates a client for the local captioner service
func NewHTTPLocalCaptioner(baseURL string) *HTTPLocalCaptioner {
	return &HTTPLocalCaptioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Caption runs the local model on the image
func (c *HTTPLocalCaptioner) Caption(ctx context.Context, image []byte) (*LocalCaption, error) {
	startTime := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/caption", bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "image/"+DetectFormat(image))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local captioner error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "local", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out LocalCaption
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse local caption: %w", err)
	}
	if out.Caption == "" {
		return nil, fmt.Errorf("local captioner returned an empty caption")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("local captioner returned confidence %v outside [0,1]", out.Confidence)
	}
	if out.LatencyMs <= 0 {
		out.LatencyMs = int(time.Since(startTime).Milliseconds())
	}

	return &out, nil
}
