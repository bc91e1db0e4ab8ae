package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of recent durations for percentile reporting.
type LatencyTracker struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	full  bool
	total uint64
}

// NewLatencyTracker creates a tracker holding the last size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest sample once the window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.total++
}

// Percentile returns the p-th percentile (0-100) of the window using nearest rank, or zero
// when nothing was observed.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	window := slices.Clone(l.ring[:l.size()])
	l.mu.Unlock()

	if len(window) == 0 {
		return 0
	}
	slices.Sort(window)
	switch {
	case p <= 0:
		return window[0]
	case p >= 100:
		return window[len(window)-1]
	}
	idx := int(p / 100 * float64(len(window)-1))
	return window[idx]
}

// Count returns the number of samples currently in the window.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size()
}

// Total returns how many samples were ever observed.
func (l *LatencyTracker) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *LatencyTracker) size() int {
	if l.full {
		return len(l.ring)
	}
	return l.next
}
