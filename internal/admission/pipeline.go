package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/botguard/botguard/internal/auth"
	"github.com/botguard/botguard/internal/filter"
	"github.com/botguard/botguard/internal/llm"
	"github.com/botguard/botguard/internal/metrics"
	"github.com/botguard/botguard/internal/ratelimit"
	"github.com/botguard/botguard/internal/shared/models"
	"github.com/botguard/botguard/internal/usage"
)

// Estimator predicts prompt token cost before the model call.
type Estimator interface {
	Estimate(model, text string) int
}

// settleTimeout bounds the ledger and reconcile writes that must
// complete even when the caller's context is gone.
const settleTimeout = 5 * time.Second

// Params wires the pipeline's collaborators.
type Params struct {
	Resolver  *auth.Resolver
	Policies  auth.Policies
	Filter    *filter.Filter
	Limiter   *ratelimit.Limiter
	Ledger    *usage.Ledger
	Estimator Estimator
	Client    llm.Client

	Model       string
	MaxTokens   int
	Temperature float32
}

// Pipeline decides, for every inbound message, whether it is allowed,
// under what budget, and at what cost: authorize, filter, rate-limit,
// invoke the model, record usage. Messages for different subjects run
// concurrently; the per-subject ordering that matters lives inside the
// counter store's atomic check-and-consume, so no lock is ever held
// across the model call.
type Pipeline struct {
	resolver  *auth.Resolver
	policies  auth.Policies
	filter    *filter.Filter
	limiter   *ratelimit.Limiter
	ledger    *usage.Ledger
	estimator Estimator
	client    llm.Client

	model       string
	maxTokens   int
	temperature float32

	logger *slog.Logger
}

func NewPipeline(p Params) *Pipeline {
	return &Pipeline{
		resolver:    p.Resolver,
		policies:    p.Policies,
		filter:      p.Filter,
		limiter:     p.Limiter,
		ledger:      p.Ledger,
		estimator:   p.Estimator,
		client:      p.Client,
		model:       p.Model,
		maxTokens:   p.MaxTokens,
		temperature: p.Temperature,
		logger:      slog.Default().With("component", "admission"),
	}
}

// Admit processes one inbound message and produces exactly one verdict.
func (p *Pipeline) Admit(ctx context.Context, msg models.Message) Result {
	result := p.admit(ctx, msg)
	metrics.Admissions.WithLabelValues(string(result.Outcome)).Inc()
	return result
}

func (p *Pipeline) admit(ctx context.Context, msg models.Message) Result {
	subject := msg.Subject()

	// 1. Authorization. Blocked subjects short-circuit: no filtering,
	// no counters touched.
	decision := p.resolver.Resolve(msg.UserID, msg.Member, p.policies.Guild(msg.GuildID))
	if decision.Tier == auth.TierBlocked {
		return Result{Outcome: OutcomeAuthBlocked, Tier: decision.Tier, Detail: decision.Reason}
	}

	// 2. Content filter. Filtered content is free: counters untouched.
	verdict := p.filter.Check(msg.Text)
	if !verdict.Allowed {
		for _, reason := range verdict.Reasons {
			metrics.FilterRejections.WithLabelValues(string(reason)).Inc()
		}
		return Result{Outcome: OutcomeFilteredReject, Tier: decision.Tier, Reasons: verdict.Reasons}
	}

	// 3. Message-frequency ceiling.
	dec, err := p.limiter.Check(ctx, subject, ratelimit.KindMessages, 1, decision.Limits.MessagesPerMinute)
	if err != nil {
		return p.storeFailure(subject, err)
	}
	if !dec.Allowed {
		return Result{Outcome: OutcomeRateLimited, Tier: decision.Tier,
			RetryAfter: dec.RetryAfter, RetryAfterSeconds: retryAfterSeconds(dec.RetryAfter),
			Detail: "message rate limit exceeded"}
	}

	// 4. Token budget, checked with a deterministic pre-call estimate.
	estimate := int64(p.estimator.Estimate(p.model, msg.Text))
	dec, err = p.limiter.Check(ctx, subject, ratelimit.KindTokens, estimate, decision.Limits.TokensPerHour)
	if err != nil {
		return p.storeFailure(subject, err)
	}
	if !dec.Allowed {
		// The message slot consumed in step 3 goes back: a token-denied
		// message must not count against the frequency ceiling.
		if decision.Limits.MessagesPerMinute >= 0 {
			if rerr := p.limiter.Release(ctx, subject, ratelimit.KindMessages, 1); rerr != nil {
				p.logger.Warn("message counter release failed",
					"subject", subject.Key(), "error", rerr)
			}
		}
		return Result{Outcome: OutcomeRateLimited, Tier: decision.Tier,
			RetryAfter: dec.RetryAfter, RetryAfterSeconds: retryAfterSeconds(dec.RetryAfter),
			Detail: "token budget exceeded"}
	}

	// 5. Model call. No per-subject state is held here: a concurrent
	// message from the same subject is decided by the limiter, not
	// queued behind this call.
	start := time.Now()
	resp, callErr := p.client.Complete(ctx, llm.Request{
		Prompt:      msg.Text,
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	if callErr != nil {
		// The estimate consumed in step 4 stands as the charge, so
		// repeated failed calls cannot starve the budget accounting.
		// When the upstream reported usage before failing, that
		// consumption still goes on the ledger.
		if resp != nil && resp.PromptTokens+resp.CompletionTokens > 0 {
			p.recordUsage(ctx, subject, resp)
		}
		p.logger.Warn("model call failed",
			"subject", subject.Key(), "error", callErr, "retryable", llm.IsRetryable(callErr))
		return Result{
			Outcome:         OutcomeUpstreamError,
			Tier:            decision.Tier,
			Retryable:       llm.IsRetryable(callErr),
			Detail:          callErr.Error(),
			EstimatedTokens: int(estimate),
		}
	}

	// 6. Record actual usage and reconcile the budget counter to the
	// actual cost. Neither re-checks nor rolls back the admission.
	rec := p.recordUsage(ctx, subject, resp)
	if !decision.Limits.Unbounded() {
		actual := int64(resp.PromptTokens + resp.CompletionTokens)
		p.reconcile(ctx, subject, actual-estimate)
	}

	return Result{
		Outcome:          OutcomeAllowed,
		Tier:             decision.Tier,
		Completion:       resp.Text,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUnits:        rec.CostUnits,
		EstimatedTokens:  int(estimate),
	}
}

// recordUsage appends the ledger record on a detached context: the
// upstream consumed the tokens whether or not the caller is still
// waiting.
func (p *Pipeline) recordUsage(ctx context.Context, subject models.Subject, resp *llm.Response) usage.Record {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	rec, err := p.ledger.Record(wctx, subject, p.model, resp.PromptTokens, resp.CompletionTokens)
	if err != nil {
		p.logger.Error("usage record write failed", "subject", subject.Key(), "error", err)
		return usage.Record{}
	}
	metrics.TokensConsumed.Add(float64(rec.TotalTokens()))
	return rec
}

// reconcile charges the estimate/actual delta. If the counter write
// fails after the ledger write succeeded, the counter is repaired from
// the ledger so the two cannot silently diverge.
func (p *Pipeline) reconcile(ctx context.Context, subject models.Subject, delta int64) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := p.limiter.Reconcile(wctx, subject, ratelimit.KindTokens, delta)
	if err == nil {
		return
	}
	p.logger.Warn("token reconcile failed, repairing from ledger",
		"subject", subject.Key(), "error", err)

	since := time.Now().Add(-ratelimit.KindTokens.Window())
	total, err := p.ledger.TokensSince(wctx, subject, since)
	if err != nil {
		p.logger.Error("ledger read for counter repair failed", "subject", subject.Key(), "error", err)
		return
	}
	if err := p.limiter.RaiseTo(wctx, subject, ratelimit.KindTokens, total); err != nil {
		p.logger.Error("counter repair failed", "subject", subject.Key(), "error", err)
	}
}

// storeFailure maps counter-store unavailability to a verdict under the
// fail-closed policy. Fail-open never reaches here: the limiter already
// permitted the request.
func (p *Pipeline) storeFailure(subject models.Subject, err error) Result {
	p.logger.Error("counter store failure", "subject", subject.Key(), "error", err)
	return Result{
		Outcome:   OutcomeUpstreamError,
		Retryable: true,
		Detail:    err.Error(),
	}
}
