package marketdata

import (
	"sync"

	"binance-sim-trader/internal/binance"
)

// BufferManager keeps one bounded, append-only bar sequence per interval.
// Writers append in event order; readers get defensive copies.
type BufferManager struct {
	mu    sync.RWMutex
	rings map[string]*ring
}

type ring struct {
	bars []binance.Bar
	max  int
}

// NewBufferManager allocates a ring per interval with the given capacities.
func NewBufferManager(sizes map[string]int) *BufferManager {
	rings := make(map[string]*ring, len(sizes))
	for interval, size := range sizes {
		if size < 1 {
			size = 1
		}
		rings[interval] = &ring{max: size}
	}
	return &BufferManager{rings: rings}
}

// Append commits one closed bar, evicting the oldest when full. Bars for
// unknown intervals are ignored.
func (m *BufferManager) Append(interval string, bar binance.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[interval]
	if !ok {
		return
	}
	r.bars = append(r.bars, bar)
	if len(r.bars) > r.max {
		r.bars = r.bars[len(r.bars)-r.max:]
	}
}

// Snapshot returns the buffered bars oldest-first.
func (m *BufferManager) Snapshot(interval string) []binance.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[interval]
	if !ok || len(r.bars) == 0 {
		return nil
	}
	out := make([]binance.Bar, len(r.bars))
	copy(out, r.bars)
	return out
}

// Len reports how many bars are buffered for an interval.
func (m *BufferManager) Len(interval string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[interval]
	if !ok {
		return 0
	}
	return len(r.bars)
}

// Last returns the newest buffered bar.
func (m *BufferManager) Last(interval string) (binance.Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[interval]
	if !ok || len(r.bars) == 0 {
		return binance.Bar{}, false
	}
	return r.bars[len(r.bars)-1], true
}

// Intervals lists the configured intervals.
func (m *BufferManager) Intervals() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rings))
	for interval := range m.rings {
		out = append(out, interval)
	}
	return out
}
