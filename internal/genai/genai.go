// Package genai provides the completion-service client for CareLoop,
// backed by the OpenAI API.
//
// Generation never raises to the engine: bounded retries with backoff are
// applied internally and a safe fallback string is returned on exhaustion.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Generation defaults.
const (
	// DefaultModel is the chat model used for responses and summaries.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultMaxAttempts bounds retries for one generation.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the base delay between attempts, doubled each retry.
	DefaultRetryBackoff = 500 * time.Millisecond

	// FallbackReply is returned to the engine when every attempt fails.
	FallbackReply = "I'm having trouble answering right now. Let's try again in a little while."
)

// ErrNoChoicesReturned indicates the API responded without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// SamplingParams carries per-call sampling overrides.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int64
}

// ClientInterface is the surface the engine consumes. Generate never
// returns an error to the caller; on failure it returns the configured
// fallback string.
type ClientInterface interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, params SamplingParams) string
	// GenerateChecked is Generate without the fallback: used where the
	// caller wants to know about failure (e.g. summary regeneration).
	GenerateChecked(ctx context.Context, systemPrompt, userPrompt string, params SamplingParams) (string, error)
}

// chatService defines the minimal interface for chat completions,
// satisfied by the OpenAI SDK and by test mocks.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the SDK client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	MaxAttempts int
	Backoff     time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxAttempts overrides the retry bound.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoff overrides the base retry delay.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	maxAttempts int
	backoff     time.Duration
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
		cfg.Model = DefaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryBackoff
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model, "max_attempts", cfg.MaxAttempts)
	return &Client{
		chat:        &openaiChatService{client: cli},
		model:       cfg.Model,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}, nil
}

// GenerateChecked requests one completion with bounded retries. Returns
// the generated text or the last error after exhausting attempts.
func (c *Client) GenerateChecked(ctx context.Context, systemPrompt, userPrompt string, params SamplingParams) (string, error) {
	req := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if params.Temperature > 0 {
		req.Temperature = param.NewOpt(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = param.NewOpt(params.MaxTokens)
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.chat.Create(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				lastErr = ErrNoChoicesReturned
			} else {
				return resp.Choices[0].Message.Content, nil
			}
		} else {
			lastErr = err
		}
		slog.Warn("GenAI generation attempt failed", "attempt", attempt, "error", lastErr)
		if attempt < c.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// Generate requests one completion and degrades to the fallback reply on
// failure; it never returns an error to the engine.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, params SamplingParams) string {
	out, err := c.GenerateChecked(ctx, systemPrompt, userPrompt, params)
	if err != nil {
		slog.Error("GenAI generation exhausted retries, using fallback", "error", err)
		return FallbackReply
	}
	return out
}
