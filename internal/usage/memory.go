package usage

import (
	"context"
	"sync"
	"time"

	"github.com/botguard/botguard/internal/shared/models"
)

// MemoryStore keeps records in process memory. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Summarize(ctx context.Context, subject models.Subject, since time.Time) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum Summary
	for _, rec := range m.records {
		if rec.Subject != subject || rec.CreatedAt.Before(since) {
			continue
		}
		sum.TotalTokens += int64(rec.TotalTokens())
		sum.TotalCost += rec.CostUnits
		sum.MessageCount++
	}
	return sum, nil
}

func (m *MemoryStore) TokensSince(ctx context.Context, subject models.Subject, since time.Time) (int64, error) {
	sum, err := m.Summarize(ctx, subject, since)
	if err != nil {
		return 0, err
	}
	return sum.TotalTokens, nil
}
