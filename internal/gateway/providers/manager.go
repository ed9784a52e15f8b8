package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/config"
)

// Manager fronts the configured remote captioner and fails over to the
// other providers that have credentials.
type Manager struct {
	primary  Captioner
	failover []Captioner
	logger   logrus.FieldLogger
}

// NewManager builds the captioner chosen by CLOUD_PROVIDER. Every other
// provider with an API key becomes a failover target, using its default
// model.
func NewManager(cfg *config.Config, logger logrus.FieldLogger) (*Manager, error) {
	primary, err := newCaptioner(cfg, cfg.CloudProvider, cfg.CloudModel)
	if err != nil {
		return nil, err
	}

	var failover []Captioner
	if cfg.CloudProvider != "mock" {
		for _, name := range []string{"openrouter", "openai", "anthropic", "gemini"} {
			if name == cfg.CloudProvider {
				continue
			}
			if c, err := newCaptioner(cfg, name, ""); err == nil {
				failover = append(failover, c)
			}
		}
	}

	return NewManagerWith(logger, primary, failover...), nil
}

// NewManagerWith assembles a manager from explicit captioners
func NewManagerWith(logger logrus.FieldLogger, primary Captioner, failover ...Captioner) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		primary:  primary,
		failover: failover,
		logger:   logger.WithField("component", "providers"),
	}
}

func newCaptioner(cfg *config.Config, name, model string) (Captioner, error) {
	switch name {
	case "mock":
		return NewMockProvider(0), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("provider openai not configured (check OPENAI_API_KEY)")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, model), nil
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("provider openrouter not configured (check OPENROUTER_API_KEY)")
		}
		return NewOpenRouterProvider(cfg.OpenRouterAPIKey, model), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("provider anthropic not configured (check ANTHROPIC_API_KEY)")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, model), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("provider gemini not configured (check GEMINI_API_KEY)")
		}
		return NewGeminiProvider(cfg.GeminiAPIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown cloud provider: %s", name)
	}
}

// NewLocalCaptioner returns the HTTP client when LOCAL_CAPTIONER_URL is
// set and the deterministic mock otherwise.
func NewLocalCaptioner(cfg *config.Config) LocalCaptioner {
	if cfg.LocalCaptionerURL == "" {
		return &MockLocalCaptioner{}
	}
	return NewHTTPLocalCaptioner(cfg.LocalCaptionerURL)
}

// Caption tries the primary captioner, then each failover target while the
// error stays retryable.
func (m *Manager) Caption(ctx context.Context, image []byte, hint string) (*CaptionResponse, error) {
	resp, err := m.primary.Caption(ctx, image, hint)
	if err == nil {
		return resp, nil
	}
	if !isRetryableError(err) || ctx.Err() != nil {
		return nil, err
	}

	lastErr := err
	for _, fallback := range m.failover {
		m.logger.WithError(lastErr).WithFields(logrus.Fields{
			"from": m.primary.GetProviderName(),
			"to":   fallback.GetProviderName(),
		}).Warn("Remote captioner failed, trying failover")

		resp, err := fallback.Caption(ctx, image, hint)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableError(err) || ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// GetProviderName returns the primary provider name
func (m *Manager) GetProviderName() string {
	return m.primary.GetProviderName()
}

// isRetryableError checks if an error should trigger failover
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	// transport errors
	return true
}
