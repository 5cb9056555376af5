package ratelimit

import (
	"context"
	"sync"
	"time"
)

type fixedWindow struct {
	count  int64
	start  time.Time
	window time.Duration
}

// MemoryStore is an in-process Store. State is local to the process, so
// it enforces a global limit only in single-instance deployments; it is
// also the test stand-in for the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
}

// current returns the live window for key, lazily replacing it when the
// window duration has elapsed. Caller holds the mutex.
func (m *MemoryStore) current(key string, window time.Duration) *fixedWindow {
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.start.Add(window)) {
		w = &fixedWindow{start: now, window: window}
		m.windows[key] = w
	}
	return w
}

func (m *MemoryStore) CheckAndConsume(ctx context.Context, key string, amount, limit int64, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.current(key, window)
	if w.count+amount > limit {
		return Decision{
			Allowed:    false,
			Remaining:  limit - w.count,
			RetryAfter: w.start.Add(window).Sub(m.now()),
		}, nil
	}
	w.count += amount
	return Decision{Allowed: true, Remaining: limit - w.count}, nil
}

func (m *MemoryStore) Add(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.current(key, window)
	w.count += delta
	if w.count < 0 {
		w.count = 0
	}
	return w.count, nil
}

func (m *MemoryStore) Raise(ctx context.Context, key string, target int64, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.current(key, window)
	if w.count < target {
		w.count = target
	}
	return w.count, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !m.now().Before(w.start.Add(w.window)) {
		// Expired windows read as zero; replacement happens on next write.
		return 0, nil
	}
	return w.count, nil
}
