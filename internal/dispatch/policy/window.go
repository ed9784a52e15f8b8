package policy

import (
	"sort"
	"sync"
)

const DefaultWindowSize = 20

// LatencyWindow keeps the most recent local latencies and derives the
// queueDepthHigh signal from their p95.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []int
	next    int
	full    bool
}

// NewLatencyWindow creates a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &LatencyWindow{samples: make([]int, size)}
}

// Observe records one local latency in milliseconds.
func (w *LatencyWindow) Observe(latencyMs int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = latencyMs
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// P95 returns the 95th percentile of the window, or 0 when empty.
func (w *LatencyWindow) P95() int {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]int, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Ints(sorted)
	idx := (95*n + 99) / 100
	return sorted[idx-1]
}

// High reports whether recent local latencies exceed the budget.
func (w *LatencyWindow) High(budgetMs int) bool {
	return w.P95() > budgetMs
}
