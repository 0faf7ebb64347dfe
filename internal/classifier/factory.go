package classifier

import (
	"context"
	"fmt"

	"github.com/daviddao/smail/internal/config"
	"go.uber.org/zap"
)

// New creates the client selected by cfg.Provider, rate limited when
// cfg.RateLimit is positive.
func New(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (Client, error) {
	var c Client
	switch cfg.Provider {
	case "http", "":
		if cfg.HTTP.URL == "" {
			return nil, fmt.Errorf("classifier.http.url is required")
		}
		c = NewHTTPClient(cfg.HTTP.URL, cfg.HTTP.APIKey, cfg.HTTP.Timeout, cfg.Threshold, cfg.MaxBodySize, logger)
	case "openai":
		o := cfg.OpenAI
		if o.APIKey == "" {
			return nil, fmt.Errorf("classifier.openai.api_key is required")
		}
		c = NewOpenAIClient(o.APIKey, o.BaseURL, o.ModelName, o.MaxTokens, o.Temperature, o.TopP, cfg.MaxBodySize, cfg.Threshold, logger)
	case "gemini":
		g := cfg.Gemini
		if g.APIKey == "" {
			return nil, fmt.Errorf("classifier.gemini.api_key is required")
		}
		gc, err := NewGeminiClient(ctx, g.APIKey, g.ModelName, g.MaxTokens, g.Temperature, g.TopP, cfg.MaxBodySize, cfg.Threshold, logger)
		if err != nil {
			return nil, err
		}
		c = gc
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", cfg.Provider)
	}

	logger.Info("classifier configured",
		zap.String("provider", cfg.Provider),
		zap.Float64("threshold", cfg.Threshold),
		zap.Float64("rate_limit", cfg.RateLimit))

	if cfg.RateLimit > 0 {
		return NewLimited(c, cfg.RateLimit, cfg.RateBurst), nil
	}
	return c, nil
}
