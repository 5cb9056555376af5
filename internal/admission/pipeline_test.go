package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botguard/botguard/internal/auth"
	"github.com/botguard/botguard/internal/filter"
	"github.com/botguard/botguard/internal/llm"
	"github.com/botguard/botguard/internal/ratelimit"
	"github.com/botguard/botguard/internal/shared/config"
	"github.com/botguard/botguard/internal/shared/models"
	"github.com/botguard/botguard/internal/usage"
)

type fakeClient struct {
	resp  *llm.Response
	err   error
	calls int
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	return f.resp, f.err
}

type stubEstimator struct {
	n int
}

func (s *stubEstimator) Estimate(model, text string) int {
	return s.n
}

type testFixture struct {
	pipeline   *Pipeline
	client     *fakeClient
	estimator  *stubEstimator
	limiter    *ratelimit.Limiter
	usageStore *usage.MemoryStore
}

func newFixture(t *testing.T, store ratelimit.Store, failOpen bool) *testFixture {
	t.Helper()

	client := &fakeClient{
		resp: &llm.Response{Text: "sure, here is an answer", PromptTokens: 120, CompletionTokens: 30},
	}
	estimator := &stubEstimator{n: 100}
	limiter := ratelimit.NewLimiter(store, failOpen)
	usageStore := usage.NewMemoryStore()
	ledger := usage.NewLedger(usageStore,
		map[string]config.ModelRate{"gpt-4": {PromptPer1k: 0.03, CompletionPer1k: 0.06}},
		config.ModelRate{PromptPer1k: 0.03, CompletionPer1k: 0.06})

	resolver := auth.NewResolver(auth.Options{
		Defaults:          auth.Limits{MessagesPerMinute: 5, TokensPerHour: 10000},
		PremiumMultiplier: 2,
		AuthorizedRoles:   []string{"admin", "moderator", "openai-user", "premium"},
		BlockedUsers:      []string{"banned-user"},
	})

	f := filter.New(filter.Config{
		BlockedTerms:              []string{"spam", "inappropriate", "offensive"},
		MaxMessageLength:          2000,
		CapsRatioThreshold:        0.7,
		CapsMinLength:             10,
		SpecialCharRatioThreshold: 0.3,
	})

	return &testFixture{
		pipeline: NewPipeline(Params{
			Resolver:    resolver,
			Policies:    auth.StaticPolicies{},
			Filter:      f,
			Limiter:     limiter,
			Ledger:      ledger,
			Estimator:   estimator,
			Client:      client,
			Model:       "gpt-4",
			MaxTokens:   500,
			Temperature: 0.7,
		}),
		client:     client,
		estimator:  estimator,
		limiter:    limiter,
		usageStore: usageStore,
	}
}

func message(userID string, member models.Member, text string) models.Message {
	return models.Message{
		UserID:    userID,
		GuildID:   "g1",
		ChannelID: "c1",
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Member:    member,
	}
}

func (f *testFixture) tokensUsed(t *testing.T, userID string) int64 {
	t.Helper()
	count, err := f.limiter.Usage(context.Background(),
		models.Subject{UserID: userID, GuildID: "g1"}, ratelimit.KindTokens)
	require.NoError(t, err)
	return count
}

func (f *testFixture) ledgerCount(t *testing.T, userID string) int64 {
	t.Helper()
	sum, err := f.usageStore.Summarize(context.Background(),
		models.Subject{UserID: userID, GuildID: "g1"}, time.Time{})
	require.NoError(t, err)
	return sum.MessageCount
}

func TestAdmit_Allowed(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello bot"))

	require.Equal(t, OutcomeAllowed, res.Outcome)
	assert.Equal(t, auth.TierStandard, res.Tier)
	assert.Equal(t, "sure, here is an answer", res.Completion)
	assert.Equal(t, 120, res.PromptTokens)
	assert.Equal(t, 30, res.CompletionTokens)
	assert.InDelta(t, 120*0.03/1000+30*0.06/1000, res.CostUnits, 1e-9)
	assert.Equal(t, 1, f.client.calls)
	assert.Equal(t, int64(1), f.ledgerCount(t, "u1"))

	// Counter reconciled from the 100-token estimate to the 150 actual.
	assert.Equal(t, int64(150), f.tokensUsed(t, "u1"))
}

func TestAdmit_AuthBlockedShortCircuits(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)

	res := f.pipeline.Admit(context.Background(), message("banned-user", models.Member{IsAdmin: true}, "hello"))

	require.Equal(t, OutcomeAuthBlocked, res.Outcome)
	assert.NotEmpty(t, res.Detail)
	assert.Equal(t, 0, f.client.calls)
	assert.Equal(t, int64(0), f.tokensUsed(t, "banned-user"))
	assert.Equal(t, int64(0), f.ledgerCount(t, "banned-user"))
}

func TestAdmit_FilteredContentIsFree(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "buy my spam"))

	require.Equal(t, OutcomeFilteredReject, res.Outcome)
	assert.Contains(t, res.Reasons, filter.ReasonBlockedTerm)
	assert.Equal(t, 0, f.client.calls)

	msgCount, err := f.limiter.Usage(context.Background(),
		models.Subject{UserID: "u1", GuildID: "g1"}, ratelimit.KindMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), msgCount)
	assert.Equal(t, int64(0), f.ledgerCount(t, "u1"))
}

func TestAdmit_MessageRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)

	for i := 0; i < 5; i++ {
		res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))
		require.Equal(t, OutcomeAllowed, res.Outcome, "message %d", i+1)
	}

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))
	require.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.GreaterOrEqual(t, res.RetryAfterSeconds, 1)
	assert.Equal(t, 5, f.client.calls)
}

func TestAdmit_TokenDenialReleasesMessageSlot(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	f.estimator.n = 20000 // over the 10000/hour standard budget

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "huge prompt"))

	require.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Equal(t, 0, f.client.calls)

	// The denied message must not occupy a frequency slot either.
	msgCount, err := f.limiter.Usage(context.Background(),
		models.Subject{UserID: "u1", GuildID: "g1"}, ratelimit.KindMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), msgCount)

	// All 5 per-minute slots are still available afterwards.
	f.estimator.n = 100
	for i := 0; i < 5; i++ {
		res = f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))
		require.Equal(t, OutcomeAllowed, res.Outcome, "message %d", i+1)
	}
}

func TestAdmit_PremiumTokenBudget(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	premium := models.Member{IsPremium: true}
	// Completion usage would distort the scenario; reconcile to the
	// estimate exactly.
	f.estimator.n = 19999
	f.client.resp = &llm.Response{Text: "ok", PromptTokens: 19999, CompletionTokens: 0}

	// Effective limit 20000 = 10000 base x2 premium multiplier.
	res := f.pipeline.Admit(context.Background(), message("u1", premium, "long prompt"))
	require.Equal(t, OutcomeAllowed, res.Outcome)
	assert.Equal(t, int64(19999), f.tokensUsed(t, "u1"))

	f.estimator.n = 2
	res = f.pipeline.Admit(context.Background(), message("u1", premium, "hi"))
	require.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestAdmit_AdminNeverRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	admin := models.Member{IsAdmin: true}

	for i := 0; i < 50; i++ {
		res := f.pipeline.Admit(context.Background(), message("u1", admin, "hello"))
		require.Equal(t, OutcomeAllowed, res.Outcome, "message %d", i+1)
		assert.Equal(t, auth.TierAdmin, res.Tier)
	}

	// Admin traffic bypasses counters entirely but is still recorded
	// in the ledger.
	assert.Equal(t, int64(0), f.tokensUsed(t, "u1"))
	assert.Equal(t, int64(50), f.ledgerCount(t, "u1"))
}

type failingStore struct{}

func (failingStore) CheckAndConsume(context.Context, string, int64, int64, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}
func (failingStore) Add(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Raise(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAdmit_StoreFailureFailsClosed(t *testing.T) {
	f := newFixture(t, failingStore{}, false)

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))

	require.Equal(t, OutcomeUpstreamError, res.Outcome)
	assert.True(t, res.Retryable)
	// No model call, no ledger entry.
	assert.Equal(t, 0, f.client.calls)
	assert.Equal(t, int64(0), f.ledgerCount(t, "u1"))
}

func TestAdmit_StoreFailureFailsOpenWhenConfigured(t *testing.T) {
	f := newFixture(t, failingStore{}, true)

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))

	require.Equal(t, OutcomeAllowed, res.Outcome)
	assert.Equal(t, 1, f.client.calls)
}

func TestAdmit_UpstreamErrorChargesEstimate(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	f.client.resp = nil
	f.client.err = &llm.UpstreamError{Retryable: true, Err: errors.New("rate limited upstream")}

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))

	require.Equal(t, OutcomeUpstreamError, res.Outcome)
	assert.True(t, res.Retryable)
	// No usage was reported, so no ledger entry; the 100-token
	// estimate stays charged so failed retries are not free.
	assert.Equal(t, int64(0), f.ledgerCount(t, "u1"))
	assert.Equal(t, int64(100), f.tokensUsed(t, "u1"))
}

func TestAdmit_UpstreamErrorWithKnownCostStillRecorded(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	f.client.resp = &llm.Response{PromptTokens: 80, CompletionTokens: 10}
	f.client.err = &llm.UpstreamError{Retryable: false, Err: errors.New("stream cut short")}

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))

	require.Equal(t, OutcomeUpstreamError, res.Outcome)
	assert.False(t, res.Retryable)
	// Partial usage goes on the ledger; the estimate stands as the
	// counter charge.
	assert.Equal(t, int64(1), f.ledgerCount(t, "u1"))
	assert.Equal(t, int64(100), f.tokensUsed(t, "u1"))
}

// addFailsOnce fails the first reconcile write to force the ledger
// repair path.
type addFailsOnce struct {
	*ratelimit.MemoryStore
	failed bool
}

func (s *addFailsOnce) Add(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	if !s.failed {
		s.failed = true
		return 0, errors.New("transient failure")
	}
	return s.MemoryStore.Add(ctx, key, delta, window)
}

func TestAdmit_ReconcileFailureRepairsFromLedger(t *testing.T) {
	store := &addFailsOnce{MemoryStore: ratelimit.NewMemoryStore()}
	f := newFixture(t, store, false)

	res := f.pipeline.Admit(context.Background(), message("u1", models.Member{}, "hello"))
	require.Equal(t, OutcomeAllowed, res.Outcome)

	// The direct reconcile failed; the counter was rebuilt from the
	// ledger's 150 actual tokens. The 100-token estimate from the
	// pre-check is superseded by the repair's absolute target.
	assert.Equal(t, int64(150), f.tokensUsed(t, "u1"))
}

func TestAdmit_CancelledContextStillRecordsKnownCost(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryStore(), false)
	f.client.resp = &llm.Response{Text: "partial", PromptTokens: 50, CompletionTokens: 5}
	f.client.err = &llm.UpstreamError{Retryable: true, Err: context.Canceled}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.pipeline.Admit(ctx, message("u1", models.Member{}, "hello"))
	require.Equal(t, OutcomeUpstreamError, res.Outcome)
	// Ledger write happens on a detached context despite cancellation.
	assert.Equal(t, int64(1), f.ledgerCount(t, "u1"))
}
