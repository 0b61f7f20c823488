package providers

import (
	"context"
	"fmt"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/google/uuid"
)

const OpenAIName = "openai"

// OpenAIConfig holds configuration for the OpenAI SDK client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // optional (tests, proxies)
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
}

// OpenAIClient implements Client using the official OpenAI SDK. The SDK owns
// transport retries; this wrapper owns the per-call deadline and usage
// extraction.
type OpenAIClient struct {
	defaultModel string
	timeout      time.Duration
	client       openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.Timeout,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Complete sends a completion request via the SDK.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(callCtx, params)

	result := &Result{
		RequestID: requestID,
		Provider:  OpenAIName,
		Attempts:  1,
	}

	if err != nil {
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("openai completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("no choices in response")
	}

	result.Content = resp.Choices[0].Message.Content
	result.ModelUsed = resp.Model
	result.InputTokens = int(resp.Usage.PromptTokens)
	result.OutputTokens = int(resp.Usage.CompletionTokens)
	result.ExecutionTime = time.Since(start)

	return result, nil
}

// Verify interface
var _ Client = (*OpenAIClient)(nil)
