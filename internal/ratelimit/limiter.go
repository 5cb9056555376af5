package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/botguard/botguard/internal/shared/models"
)

// Kind identifies an independent rate-limit dimension.
type Kind string

const (
	// KindMessages counts inbound messages per minute window.
	KindMessages Kind = "mpm"
	// KindTokens counts model tokens per hour window.
	KindTokens Kind = "tph"
)

// Window returns the fixed window duration for the kind.
func (k Kind) Window() time.Duration {
	if k == KindTokens {
		return time.Hour
	}
	return time.Minute
}

// Decision is the outcome of one check-and-consume call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Store is the counter backend. Implementations must make CheckAndConsume
// atomic against concurrent calls for the same key; rejected requests are
// never charged. Windows reset lazily: a key whose window has elapsed
// behaves as a fresh zero counter on next access.
type Store interface {
	// CheckAndConsume evaluates a fixed-window counter: if the current
	// count plus amount would exceed limit it denies without
	// incrementing and reports when the window resets; otherwise it
	// consumes amount.
	CheckAndConsume(ctx context.Context, key string, amount, limit int64, window time.Duration) (Decision, error)
	// Add unconditionally adjusts the counter by delta (which may be
	// negative; the counter is clamped at zero) and returns the new
	// value. Used for post-call reconciliation, so the counter may
	// exceed its limit.
	Add(ctx context.Context, key string, delta int64, window time.Duration) (int64, error)
	// Get returns the current counter value, zero when absent or expired.
	Get(ctx context.Context, key string) (int64, error)
	// Raise lifts the counter to at least target in a single atomic
	// step and returns the resulting value. Counters are never lowered.
	Raise(ctx context.Context, key string, target int64, window time.Duration) (int64, error)
}

// Limiter enforces per-subject frequency and token-budget ceilings on
// top of a Store. A negative limit is the unbounded sentinel and always
// permits.
type Limiter struct {
	store    Store
	failOpen bool
	logger   *slog.Logger
}

// NewLimiter returns a Limiter. When failOpen is true, store failures
// permit the request (degraded mode, logged); otherwise they surface as
// errors and the caller fails closed.
func NewLimiter(store Store, failOpen bool) *Limiter {
	return &Limiter{
		store:    store,
		failOpen: failOpen,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// Check performs the check-and-consume for one subject and kind.
func (l *Limiter) Check(ctx context.Context, subject models.Subject, kind Kind, amount, limit int64) (Decision, error) {
	if limit < 0 {
		return Decision{Allowed: true, Remaining: limit}, nil
	}

	dec, err := l.store.CheckAndConsume(ctx, l.key(subject, kind), amount, limit, kind.Window())
	if err != nil {
		if l.failOpen {
			l.logger.Warn("counter store unavailable, failing open",
				"subject", subject.Key(), "kind", string(kind), "error", err)
			return Decision{Allowed: true, Remaining: limit}, nil
		}
		return Decision{}, fmt.Errorf("counter store: %w", err)
	}
	return dec, nil
}

// Reconcile adjusts the token-budget counter once the actual cost of a
// call is known. delta is actual minus estimate; overages are charged
// even past the limit (the call already happened) and over-estimates are
// refunded.
func (l *Limiter) Reconcile(ctx context.Context, subject models.Subject, kind Kind, delta int64) error {
	if delta == 0 {
		return nil
	}
	if _, err := l.store.Add(ctx, l.key(subject, kind), delta, kind.Window()); err != nil {
		return fmt.Errorf("counter store: %w", err)
	}
	return nil
}

// Usage returns the current consumed amount for the subject and kind.
func (l *Limiter) Usage(ctx context.Context, subject models.Subject, kind Kind) (int64, error) {
	count, err := l.store.Get(ctx, l.key(subject, kind))
	if err != nil {
		return 0, fmt.Errorf("counter store: %w", err)
	}
	return count, nil
}

// Release refunds a consumption made by an earlier Check that the
// pipeline did not go through with. The counter clamps at zero.
func (l *Limiter) Release(ctx context.Context, subject models.Subject, kind Kind, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if _, err := l.store.Add(ctx, l.key(subject, kind), -amount, kind.Window()); err != nil {
		return fmt.Errorf("counter store: %w", err)
	}
	return nil
}

// RaiseTo lifts the counter to at least target. Used to repair the
// fast-path counter from the ledger when the two diverge after a
// partial failure. The lift is a single store operation, so concurrent
// repairs cannot compound past the highest target.
func (l *Limiter) RaiseTo(ctx context.Context, subject models.Subject, kind Kind, target int64) error {
	if _, err := l.store.Raise(ctx, l.key(subject, kind), target, kind.Window()); err != nil {
		return fmt.Errorf("counter store: %w", err)
	}
	return nil
}

func (l *Limiter) key(subject models.Subject, kind Kind) string {
	return fmt.Sprintf("ratelimit:%s:%s", subject.Key(), kind)
}
