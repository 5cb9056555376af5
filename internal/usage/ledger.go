package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botguard/botguard/internal/shared/config"
	"github.com/botguard/botguard/internal/shared/models"
)

// Record is one admitted request's actual token consumption and derived
// cost. Records are append-only facts; they are never mutated after
// creation.
type Record struct {
	ID               string         `json:"id"`
	Subject          models.Subject `json:"subject"`
	ModelID          string         `json:"model_id"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostUnits        float64        `json:"cost_units"`
	// Estimated marks records priced with the fallback rate because the
	// model was missing from the rate table.
	Estimated bool      `json:"estimated"`
	CreatedAt time.Time `json:"created_at"`
}

// TotalTokens returns prompt plus completion tokens.
func (r Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Summary aggregates a subject's consumption over a time window.
type Summary struct {
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	MessageCount int64   `json:"message_count"`
}

// Store persists ledger records. Appends need no locking; aggregation
// reads may be stale by one record.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Summarize(ctx context.Context, subject models.Subject, since time.Time) (Summary, error)
	// TokensSince returns total tokens consumed since the given time,
	// backing the limiter's divergence repair.
	TokensSince(ctx context.Context, subject models.Subject, since time.Time) (int64, error)
}

// Ledger records consumed tokens and derived cost per request. Summaries
// are always computed by aggregating records, never kept as a separately
// mutated running total, so the ledger cannot drift from its source
// facts.
type Ledger struct {
	store    Store
	rates    map[string]config.ModelRate
	fallback config.ModelRate
	now      func() time.Time
}

func NewLedger(store Store, rates map[string]config.ModelRate, fallback config.ModelRate) *Ledger {
	return &Ledger{
		store:    store,
		rates:    rates,
		fallback: fallback,
		now:      time.Now,
	}
}

// Record appends a usage record for one completed model call.
func (l *Ledger) Record(ctx context.Context, subject models.Subject, modelID string, promptTokens, completionTokens int) (Record, error) {
	rate, known := l.rates[modelID]
	if !known {
		rate = l.fallback
	}

	rec := Record{
		ID:               uuid.NewString(),
		Subject:          subject,
		ModelID:          modelID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUnits:        cost(promptTokens, completionTokens, rate),
		Estimated:        !known,
		CreatedAt:        l.now().UTC(),
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("insert usage record: %w", err)
	}
	return rec, nil
}

// Summarize aggregates the subject's records since the given time.
func (l *Ledger) Summarize(ctx context.Context, subject models.Subject, since time.Time) (Summary, error) {
	sum, err := l.store.Summarize(ctx, subject, since)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}

// TokensSince returns the subject's total recorded tokens since the
// given time.
func (l *Ledger) TokensSince(ctx context.Context, subject models.Subject, since time.Time) (int64, error) {
	total, err := l.store.TokensSince(ctx, subject, since)
	if err != nil {
		return 0, fmt.Errorf("sum usage tokens: %w", err)
	}
	return total, nil
}

func cost(promptTokens, completionTokens int, rate config.ModelRate) float64 {
	promptCost := float64(promptTokens) / 1000.0 * rate.PromptPer1k
	completionCost := float64(completionTokens) / 1000.0 * rate.CompletionPer1k
	return promptCost + completionCost
}
