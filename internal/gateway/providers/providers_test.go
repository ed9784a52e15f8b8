package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/config"
)

var (
	pngImage  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	gifImage  = []byte("GIF89a\x01\x00\x01\x00")
	jpegImage = []byte("\xff\xd8\xff\xe0\x00\x10JFIF")
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		want  string
	}{
		{"png", pngImage, "png"},
		{"gif", gifImage, "gif"},
		{"jpeg", jpegImage, "jpeg"},
		{"unknown defaults to jpeg", []byte("hello"), "jpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.image))
		})
	}

	assert.True(t, strings.HasPrefix(DataURI(pngImage), "data:image/png;base64,"))
	assert.Len(t, ContentHash(pngImage), 64)
}

func TestOpenAIProvider_Caption(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "openai/gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  A red bicycle leaning on a brick wall. "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 850, "completion_tokens": 11, "total_tokens": 861}
		}`)
	}))
	defer srv.Close()

	p := newOpenAICompatible("openrouter", "sk-test", srv.URL, DefaultOpenRouterModel)
	resp, err := p.Caption(context.Background(), pngImage, "a bike")
	require.NoError(t, err)

	assert.Equal(t, "openrouter", resp.Provider)
	assert.Equal(t, DefaultOpenRouterModel, resp.Model)
	assert.Equal(t, "A red bicycle leaning on a brick wall.", resp.Caption)
	assert.Equal(t, 850, resp.InputTokens)
	assert.Equal(t, 11, resp.OutputTokens)

	assert.Equal(t, DefaultOpenRouterModel, got["model"])
	raw, _ := json.Marshal(got["messages"])
	assert.Contains(t, string(raw), "data:image/png;base64,")
	assert.Contains(t, string(raw), "a bike")
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error": {"message": "overloaded", "type": "server_error"}}`)
	}))
	defer srv.Close()

	p := newOpenAICompatible("openai", "sk-test", srv.URL, DefaultOpenAIModel)
	_, err := p.Caption(context.Background(), jpegImage, "")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, isRetryableError(err))
}

func TestAnthropicProvider_Caption(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "A cat asleep on a windowsill."}],
			"usage": {"input_tokens": 1200, "output_tokens": 9}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak-test", "")
	p.baseURL = srv.URL

	resp, err := p.Caption(context.Background(), gifImage, "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, DefaultAnthropicModel, resp.Model)
	assert.Equal(t, "A cat asleep on a windowsill.", resp.Caption)
	assert.Equal(t, 1200, resp.InputTokens)

	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	img := got.Messages[0].Content[0]
	assert.Equal(t, "image", img.Type)
	require.NotNil(t, img.Source)
	assert.Equal(t, "image/gif", img.Source.MediaType)
	assert.Equal(t, "base64", img.Source.Type)
}

func TestAnthropicProvider_BadRequestIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak-test", "")
	p.baseURL = srv.URL

	_, err := p.Caption(context.Background(), jpegImage, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.False(t, isRetryableError(err))
}

func TestGeminiProvider_Caption(t *testing.T) {
	var got GeminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk-test", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Two dogs "}, {"text": "playing in snow."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 260, "candidatesTokenCount": 7, "totalTokenCount": 267}
		}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("gk-test", "")
	p.baseURL = srv.URL

	resp, err := p.Caption(context.Background(), pngImage, "")
	require.NoError(t, err)
	assert.Equal(t, "google", resp.Provider)
	assert.Equal(t, "Two dogs playing in snow.", resp.Caption)
	assert.Equal(t, 260, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	require.NotNil(t, got.Contents[0].Parts[1].InlineData)
	assert.Equal(t, "image/png", got.Contents[0].Parts[1].InlineData.MimeType)
}

func TestGeminiProvider_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates": []}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("gk-test", "")
	p.baseURL = srv.URL

	_, err := p.Caption(context.Background(), pngImage, "")
	assert.Error(t, err)
}

func TestMockProvider_Deterministic(t *testing.T) {
	p := NewMockProvider(0)

	a, err := p.Caption(context.Background(), pngImage, "")
	require.NoError(t, err)
	b, err := p.Caption(context.Background(), pngImage, "ignored")
	require.NoError(t, err)

	assert.Equal(t, a.Caption, b.Caption)
	assert.Contains(t, mockRemoteCaptions, a.Caption)
	assert.Equal(t, "mock", a.Provider)
	assert.Equal(t, 1000, a.InputTokens)
}

func TestMockProvider_DelayHonoursContext(t *testing.T) {
	p := NewMockProvider(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Caption(ctx, pngImage, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockLocalCaptioner(t *testing.T) {
	m := &MockLocalCaptioner{}
	seen := map[bool]bool{}
	for i := 0; i < 64; i++ {
		img := []byte{byte(i), byte(i * 7), 0x42}
		out, err := m.Caption(context.Background(), img)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, out.Confidence, 0.30)
		assert.LessOrEqual(t, out.Confidence, 0.95)
		seen[out.Confidence < 0.55] = true

		again, err := m.Caption(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, out.Caption, again.Caption)
		assert.Equal(t, out.Confidence, again.Confidence)
	}
	assert.Len(t, seen, 2, "confidence should land on both sides of the default threshold")
}

func TestHTTPLocalCaptioner(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    *LocalCaption
		wantErr bool
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   `{"caption": "a man riding a horse", "confidence": 0.42, "latency_ms": 310}`,
			want:   &LocalCaption{Caption: "a man riding a horse", Confidence: 0.42, LatencyMs: 310},
		},
		{name: "server error", status: http.StatusInternalServerError, body: "model not loaded", wantErr: true},
		{name: "bad confidence", status: http.StatusOK, body: `{"caption": "x", "confidence": 3}`, wantErr: true},
		{name: "empty caption", status: http.StatusOK, body: `{"caption": "", "confidence": 0.5}`, wantErr: true},
		{name: "garbage", status: http.StatusOK, body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/caption", r.URL.Path)
				assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, pngImage, body)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			out, err := NewHTTPLocalCaptioner(srv.URL+"/").Caption(context.Background(), pngImage)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

type stubCaptioner struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubCaptioner) Caption(ctx context.Context, image []byte, hint string) (*CaptionResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &CaptionResponse{Provider: s.name, Model: "m", Caption: "from " + s.name}, nil
}

func (s *stubCaptioner) GetProviderName() string { return s.name }

func TestManager_Failover(t *testing.T) {
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name         string
		primaryErr   error
		fallbackErr  error
		wantProvider string
		wantErr      bool
		wantFallback int32
	}{
		{name: "primary ok", wantProvider: "primary"},
		{name: "retryable goes to fallback", primaryErr: &StatusError{StatusCode: 429}, wantProvider: "fallback", wantFallback: 1},
		{name: "transport error goes to fallback", primaryErr: errors.New("connection refused"), wantProvider: "fallback", wantFallback: 1},
		{name: "client error does not fail over", primaryErr: &StatusError{StatusCode: 400}, wantErr: true},
		{name: "deadline does not fail over", primaryErr: context.DeadlineExceeded, wantErr: true},
		{name: "all fail", primaryErr: &StatusError{StatusCode: 503}, fallbackErr: &StatusError{StatusCode: 502}, wantErr: true, wantFallback: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &stubCaptioner{name: "primary", err: tt.primaryErr}
			fallback := &stubCaptioner{name: "fallback", err: tt.fallbackErr}
			m := NewManagerWith(logger, primary, fallback)

			resp, err := m.Caption(context.Background(), pngImage, "")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantProvider, resp.Provider)
			}
			assert.Equal(t, tt.wantFallback, fallback.calls.Load())
			assert.Equal(t, "primary", m.GetProviderName())
		})
	}
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.Config
		wantProvider string
		wantFailover int
		wantErr      bool
	}{
		{name: "mock", cfg: config.Config{CloudProvider: "mock", OpenAIAPIKey: "k"}, wantProvider: "mock"},
		{name: "openrouter with openai failover", cfg: config.Config{CloudProvider: "openrouter", OpenRouterAPIKey: "k", OpenAIAPIKey: "k"}, wantProvider: "openrouter", wantFailover: 1},
		{name: "gemini only", cfg: config.Config{CloudProvider: "gemini", GeminiAPIKey: "k"}, wantProvider: "google"},
		{name: "missing key", cfg: config.Config{CloudProvider: "anthropic"}, wantErr: true},
		{name: "unknown", cfg: config.Config{CloudProvider: "bedrock"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(&tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, m.GetProviderName())
			assert.Len(t, m.failover, tt.wantFailover)
		})
	}
}

func TestNewLocalCaptioner(t *testing.T) {
	assert.IsType(t, &MockLocalCaptioner{}, NewLocalCaptioner(&config.Config{}))
	assert.IsType(t, &HTTPLocalCaptioner{}, NewLocalCaptioner(&config.Config{LocalCaptionerURL: "http://captioner:8000"}))
}
