package router

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Classifier providers.
const (
	ProviderNone      = "none"
	ProviderLLM       = "llm"
	ProviderEmbedding = "embedding"
)

// ProviderConfig selects and configures the semantic classifier.
type ProviderConfig struct {
	Provider   string
	BaseURL    string
	Model      string
	APIKey     string
	RateLimit  float64
	Burst      int
	MaxRetries int

	// LabelSets bounds the embedding provider's label set cache.
	LabelSets int
}

// NewClassifier builds the configured classifier. ProviderNone returns nil,
// which makes the router rely on the structural tier and its fallback policy.
func NewClassifier(cfg ProviderConfig, logger *zap.Logger) (Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "", ProviderNone:
		logger.Info("semantic classifier disabled")
		return nil, nil

	case ProviderLLM:
		llm, err := NewChatModel(cfg)
		if err != nil {
			return nil, err
		}
		opts := []LLMOption{WithLLMLogger(logger)}
		if cfg.RateLimit > 0 {
			opts = append(opts, WithRateLimit(cfg.RateLimit, cfg.Burst))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, WithRetries(cfg.MaxRetries, 0))
		}
		logger.Info("llm classifier enabled", zap.String("model", cfg.Model), zap.String("base_url", cfg.BaseURL))
		return NewLLMClassifier(llm, opts...), nil

	case ProviderEmbedding:
		llm, err := NewChatModel(cfg)
		if err != nil {
			return nil, err
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		logger.Info("embedding classifier enabled", zap.String("model", cfg.Model), zap.String("base_url", cfg.BaseURL))
		return NewEmbeddingClassifier(EmbedderFunc(embedder), logger, WithLabelSets(cfg.LabelSets)), nil

	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

// EmbedderFunc adapts a langchaingo embedder to chromem.
func EmbedderFunc(e embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.EmbedQuery(ctx, text)
	}
}

// NewChatModel creates an OpenAI-compatible chat client from cfg.
func NewChatModel(cfg ProviderConfig) (*openai.LLM, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// OpenAI-compatible local servers ignore the token but langchaingo requires one.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return llm, nil
}
