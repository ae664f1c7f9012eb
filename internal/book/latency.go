package book

import (
	"math"
	"sort"
	"sync"
)

// LatencyWindow is a fixed-size rolling window of latency samples in
// milliseconds. Used by the normalizer and the health tracker for p95.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

// NewLatencyWindow creates a window holding the last size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	return &LatencyWindow{samples: make([]float64, size)}
}

// Record adds a sample and returns the updated p95.
func (w *LatencyWindow) Record(ms float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	return w.p95Locked()
}

// P95 returns the 95th percentile of the current window, 0 when empty.
func (w *LatencyWindow) P95() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.p95Locked()
}

func (w *LatencyWindow) p95Locked() float64 {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	sort.Float64s(sorted)

	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
