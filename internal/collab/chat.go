package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

const (
	defaultChatMaxTokens   = 512
	defaultChatTemperature = 0.3
)

const chatPrompt = `You are the assistant of a guided data-analysis pipeline.
Answer the user's question briefly. Do not claim to run pipeline steps; the
user says "continue" when they want the pipeline to move on.

Current pipeline stage: %s`

// LLMResponder answers free-form messages with a chat model.
type LLMResponder struct {
	model     llms.Model
	maxTokens int
	logger    *zap.Logger
}

// NewLLMResponder wraps model.
func NewLLMResponder(model llms.Model, logger *zap.Logger) *LLMResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMResponder{model: model, maxTokens: defaultChatMaxTokens, logger: logger}
}

// Reply implements orchestrator.ChatResponder.
func (r *LLMResponder) Reply(ctx context.Context, sessionID string, stage workflow.Stage, message string) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(chatPrompt, stage)),
		llms.TextParts(llms.ChatMessageTypeHuman, message),
	}

	resp, err := r.model.GenerateContent(ctx, msgs,
		llms.WithMaxTokens(r.maxTokens),
		llms.WithTemperature(defaultChatTemperature),
	)
	if err != nil {
		return "", fmt.Errorf("chat model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat model returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", errors.New("chat model returned empty reply")
	}
	r.logger.Debug("chat reply generated", zap.String("session.id", sessionID), zap.Int("chars", len(text)))
	return text, nil
}
