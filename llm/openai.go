package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:11434/v1"
	DefaultModel   = "llama3.2:3b"
)

// ErrEmptyReply is returned when the model answers without any choices or
// with blank text.
var ErrEmptyReply = errors.New("chat model returned an empty reply")

// OpenAIClient talks to a locally hosted chat model through its
// OpenAI-compatible endpoint (Ollama serves one under /v1).
// Every call is a single independent turn: no system prompt, no history.
type OpenAIClient struct {
	Client *openai.Client
	Model  string
	logger *zap.Logger
}

// NewOpenAIClient builds a client for baseURL. Ollama ignores the API key, so
// an empty key is allowed.
func NewOpenAIClient(apiKey, baseURL, model string, logger *zap.Logger) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	return &OpenAIClient{
		Client: openai.NewClientWithConfig(cfg),
		Model:  model,
		logger: logger.With(zap.String("llm", model)),
	}, nil
}

// GetReply sends userText as one user message and waits for the full reply.
func (c *OpenAIClient) GetReply(ctx context.Context, userText string) (string, error) {
	c.logger.Debug("sending input", zap.Int("chars", len(userText)))

	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: userText},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}

	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	c.logger.Debug("reply received", zap.Int("chars", len(reply)), zap.Int("total_tokens", resp.Usage.TotalTokens))
	return reply, nil
}
