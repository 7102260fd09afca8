// Package genai drafts outbound message content using the OpenAI API. It is
// only ever invoked from outbox handlers, never inside a database transaction.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the real OpenAI client to chatService.
type openAIChatService struct {
	client openai.Client
}

func (s openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for drafting.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for drafting dispatch bodies.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: openAIChatService{client: cli}, model: cfg.Model}, nil
}

// GenerateDispatchBody produces the outbound message text for a dispatch from a
// system prompt describing the channel constraints and a user prompt carrying
// the job details.
func (c *Client) GenerateDispatchBody(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate dispatch body: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	body := strings.TrimSpace(resp.Choices[0].Message.Content)
	if body == "" {
		return "", fmt.Errorf("model returned empty content")
	}

	slog.Debug("Client.GenerateDispatchBody: drafted message", "model", c.model, "length", len(body))
	return body, nil
}
