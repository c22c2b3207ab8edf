package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rate limiter defaults: 120 requests per minute.
const (
	defaultLLMRateLimit   = 2.0
	defaultLLMBurst       = 10
	defaultLLMMaxRetries  = 2
	defaultLLMBaseBackoff = 200 * time.Millisecond
	defaultLLMMaxTokens   = 128
)

// LLMClassifier asks a chat model to pick a label.
type LLMClassifier struct {
	model       llms.Model
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// LLMOption configures an LLMClassifier.
type LLMOption func(*LLMClassifier)

// WithRateLimit overrides the request rate (per second) and burst.
func WithRateLimit(perSecond float64, burst int) LLMOption {
	return func(c *LLMClassifier) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetries overrides retry count and base backoff.
func WithRetries(n int, backoff time.Duration) LLMOption {
	return func(c *LLMClassifier) {
		if n >= 0 {
			c.maxRetries = n
		}
		if backoff > 0 {
			c.baseBackoff = backoff
		}
	}
}

// WithLLMLogger sets the logger.
func WithLLMLogger(l *zap.Logger) LLMOption {
	return func(c *LLMClassifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLLMClassifier wraps model.
func NewLLMClassifier(model llms.Model, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(defaultLLMRateLimit), defaultLLMBurst),
		maxRetries:  defaultLLMMaxRetries,
		baseBackoff: defaultLLMBaseBackoff,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// classifyPrompt is the instruction header; labels and the message follow.
const classifyPrompt = `You route messages for a guided data-analysis assistant.
Pick exactly one label for the user's message from the list below.

Respond ONLY with a JSON object: {"label": "<label name>", "confidence": <0.0-1.0>}`

type llmVerdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	prompt := buildClassifyPrompt(req)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Classification{}, fmt.Errorf("%w: %v", ErrRouterUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Classification{}, fmt.Errorf("%w: rate limiter: %v", ErrRouterUnavailable, err)
		}

		out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
			llms.WithTemperature(0),
			llms.WithMaxTokens(defaultLLMMaxTokens),
		)
		if err != nil {
			lastErr = err
			c.logger.Debug("classifier call failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		v, err := parseVerdict(out)
		if err != nil {
			return Classification{}, fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
		}
		return Classification{Label: v.Label, Confidence: clamp01(v.Confidence)}, nil
	}
	return Classification{}, fmt.Errorf("%w: after %d attempts: %v", ErrRouterUnavailable, c.maxRetries+1, lastErr)
}

func buildClassifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	b.WriteString(classifyPrompt)
	b.WriteString("\n\nCurrent pipeline stage: ")
	b.WriteString(string(req.Stage))
	b.WriteString("\n\nLabels:\n")
	for _, l := range req.Labels {
		fmt.Fprintf(&b, "- %s: %s\n", l.Name, l.Description)
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(req.Message)
	return b.String()
}

// parseVerdict extracts the JSON object from a model response that may carry
// surrounding prose or code fences.
func parseVerdict(out string) (llmVerdict, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return llmVerdict{}, fmt.Errorf("no JSON object in classifier output")
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("decoding classifier output: %w", err)
	}
	if v.Label == "" {
		return llmVerdict{}, fmt.Errorf("classifier returned empty label")
	}
	return v, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
