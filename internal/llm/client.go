package llm

import (
	"context"
	"errors"
	"net"
)

// Request is one prompt submission to the language model.
type Request struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Response is the model's completion with its token accounting.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client submits prompts to a language model. Implementations may return
// a non-nil Response alongside an error when the call failed after usage
// was already reported (partial completion); callers must still account
// for that usage.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// UpstreamError classifies a model-call failure so the transport can
// decide whether to retry with backoff or surface it immediately.
type UpstreamError struct {
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Retryable {
		return "upstream error (retryable): " + e.Err.Error()
	}
	return "upstream error: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an upstream failure worth retrying.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
