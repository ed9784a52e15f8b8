package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"
)

const MockModel = "mock/test-model"

var mockRemoteCaptions = []string{
	"A beautiful landscape with mountains in the background",
	"A detailed close-up photograph showing intricate patterns",
	"An artistic composition with vibrant colors and textures",
	"A serene scene capturing natural lighting and shadows",
	"A modern abstract design with geometric elements",
}

var mockLocalCaptions = []string{
	"a photo of an outdoor scene with natural lighting",
	"an image showing various objects in a room",
	"a picture of a landscape with interesting features",
	"a colorful scene with multiple elements",
	"a photograph captured in good lighting conditions",
}

// MockProvider returns deterministic captions without network calls
type MockProvider struct {
	// Delay simulates remote latency; it honours ctx.
	Delay time.Duration
}

// NewMockProvider creates a mock remote provider
func NewMockProvider(delay time.Duration) *MockProvider {
	return &MockProvider{Delay: delay}
}

// Caption picks a caption from the image hash
func (p *MockProvider) Caption(ctx context.Context, image []byte, _ string) (*CaptionResponse, error) {
	start := time.Now()
	if err := sleep(ctx, p.Delay); err != nil {
		return nil, err
	}

	caption := mockRemoteCaptions[hashIndex(image)%uint64(len(mockRemoteCaptions))]
	return &CaptionResponse{
		Provider:     "mock",
		Model:        MockModel,
		Caption:      caption,
		InputTokens:  1000,
		OutputTokens: len(strings.Fields(caption)),
		LatencyMs:    int(time.Since(start).Milliseconds()),
	}, nil
}

// GetProviderName returns the provider name
func (p *MockProvider) GetProviderName() string {
	return "mock"
}

// MockLocalCaptioner stands in for the local model. Confidence spreads over
// [0.30, 0.95] so both routing paths are exercised.
type MockLocalCaptioner struct {
	Delay time.Duration
}

// Caption derives caption and confidence from the image hash
func (m *MockLocalCaptioner) Caption(ctx context.Context, image []byte) (*LocalCaption, error) {
	start := time.Now()
	if err := sleep(ctx, m.Delay); err != nil {
		return nil, err
	}

	h := hashIndex(image)
	return &LocalCaption{
		Caption:    mockLocalCaptions[h%uint64(len(mockLocalCaptions))],
		Confidence: 0.30 + float64(h>>56)/255.0*0.65,
		LatencyMs:  int(time.Since(start).Milliseconds()),
	}, nil
}

func hashIndex(image []byte) uint64 {
	sum := sha256.Sum256(image)
	return binary.BigEndian.Uint64(sum[:8])
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
