package admission

import (
	"time"

	"github.com/botguard/botguard/internal/auth"
	"github.com/botguard/botguard/internal/filter"
)

// Outcome is the pipeline's verdict class. Exactly one outcome is
// produced per processed message.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeAuthBlocked    Outcome = "auth_blocked"
	OutcomeFilteredReject Outcome = "filtered_reject"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeUpstreamError  Outcome = "upstream_error"
)

// Result carries everything the transport needs to compose a reply
// without re-deriving policy: reason codes for filter rejections,
// retry-after for rate limits, retryability for upstream failures, and
// the completion plus cost metadata for allowed messages.
type Result struct {
	Outcome Outcome   `json:"outcome"`
	Tier    auth.Tier `json:"tier,omitempty"`
	Detail  string    `json:"detail,omitempty"`

	// FilteredReject
	Reasons []filter.ReasonCode `json:"reasons,omitempty"`

	// RateLimited. RetryAfter is the precise wait; RetryAfterSeconds is
	// the same wait rounded up to whole seconds, which is what goes on
	// the wire (and in the Retry-After header) so body and header agree.
	RetryAfter        time.Duration `json:"-"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`

	// UpstreamError
	Retryable bool `json:"retryable,omitempty"`

	// Allowed
	Completion       string  `json:"completion,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	CostUnits        float64 `json:"cost_units,omitempty"`
	EstimatedTokens  int     `json:"estimated_tokens,omitempty"`
}

// retryAfterSeconds rounds a wait up to whole seconds; any positive
// wait reports at least one second.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
