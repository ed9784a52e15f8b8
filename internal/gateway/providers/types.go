package providers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// captionPrompt is sent with every remote request.
const captionPrompt = "Generate a concise, descriptive caption for this image in one sentence. " +
	"Focus on the main subject and key visual elements. Be specific and detailed."

// CaptionResponse is the outcome of one remote caption call
type CaptionResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Caption      string `json:"caption"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int    `json:"latency_ms"`
}

// Captioner is the interface all remote caption providers must implement.
// hint is the local candidate caption, possibly empty.
type Captioner interface {
	Caption(ctx context.Context, image []byte, hint string) (*CaptionResponse, error)
	GetProviderName() string
}

// LocalCaption is what the local captioning model produced
type LocalCaption struct {
	Caption    string  `json:"caption"`
	Confidence float64 `json:"confidence"`
	LatencyMs  int     `json:"latency_ms"`
}

// LocalCaptioner produces the cheap local candidate
type LocalCaptioner interface {
	Caption(ctx context.Context, image []byte) (*LocalCaption, error)
}

// StatusError is a non-2xx reply from a provider HTTP API
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// DetectFormat sniffs the image type, defaulting to jpeg.
func DetectFormat(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpeg"
	}
}

// DataURI encodes the image as a base64 data URI.
func DataURI(image []byte) string {
	return fmt.Sprintf("data:image/%s;base64,%s", DetectFormat(image), base64.StdEncoding.EncodeToString(image))
}

// ContentHash is the hex sha256 of the image bytes.
func ContentHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

func prompt(hint string) string {
	if hint == "" {
		return captionPrompt
	}
	return captionPrompt + " A smaller model suggested: \"" + strings.TrimSpace(hint) + "\". Correct it if it is wrong."
}
