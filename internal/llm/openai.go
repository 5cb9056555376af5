package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// systemPrompt sets the assistant persona for relayed chat messages.
const systemPrompt = "You are a helpful AI assistant integrated into a chat server. " +
	"Provide helpful, friendly, and concise responses to user messages. " +
	"Keep responses conversational and appropriate for a chat environment."

// OpenAIClient submits prompts to the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a new OpenAI-backed model client
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
	}
}

// Complete makes a chat completion request to OpenAI
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &UpstreamError{Retryable: true, Err: errors.New("empty completion")}
	}

	return &Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps API failures to retryable or non-retryable. Rate-limit
// responses, server errors, and transport timeouts are worth a retry;
// auth and validation errors are not.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode == http.StatusRequestTimeout ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
		return &UpstreamError{Retryable: retryable, Err: fmt.Errorf("OpenAI API error: %w", err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamError{Retryable: true, Err: fmt.Errorf("OpenAI request timeout: %w", err)}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &UpstreamError{Retryable: true, Err: err}
	}

	return &UpstreamError{Retryable: false, Err: fmt.Errorf("OpenAI API error: %w", err)}
}
