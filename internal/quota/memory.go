package quota

import (
	"context"
	"sync"
	"time"

	"github.com/go-chi/httprate"
)

// MemoryCounter keeps counters in process memory using httprate's local
// limit counter, one per window length. Counters are not shared between
// gateway instances.
type MemoryCounter struct {
	mu       sync.Mutex
	counters map[time.Duration]*windowCounter
}

// windowCounter tracks the newest window seen for one window length. The
// httprate counter drops every window when asked about an older one, so a
// request that lost a race across a window boundary is counted against the
// newer window instead.
type windowCounter struct {
	counter httprate.LimitCounter
	latest  time.Time
}

// NewMemoryCounter creates an in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[time.Duration]*windowCounter)}
}

func (m *MemoryCounter) Incr(_ context.Context, identity string, windowStart time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wc, ok := m.counters[window]
	if !ok {
		wc = &windowCounter{counter: httprate.NewLocalLimitCounter(window)}
		m.counters[window] = wc
	}
	start := windowStart.UTC()
	if start.Before(wc.latest) {
		start = wc.latest
	}
	wc.latest = start

	if err := wc.counter.IncrementBy(identity, start, 1); err != nil {
		return 0, err
	}
	curr, _, err := wc.counter.Get(identity, start, start.Add(-window))
	if err != nil {
		return 0, err
	}
	return int64(curr), nil
}
