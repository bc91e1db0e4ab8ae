package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, ms := range []int{50, 10, 40, 20, 30} {
		tracker.Observe(time.Duration(ms) * time.Millisecond)
	}

	assert.Equal(t, 5, tracker.Count())
	assert.Equal(t, 10*time.Millisecond, tracker.Percentile(0))
	assert.Equal(t, 30*time.Millisecond, tracker.Percentile(50))
	assert.GreaterOrEqual(t, tracker.Percentile(95), 40*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, tracker.Percentile(100))
}

func TestLatencyTrackerWindowWraps(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	assert.Equal(t, 3, tracker.Count())
	assert.Equal(t, uint64(10), tracker.Total())
	// only 8, 9 and 10 remain
	assert.Equal(t, 8*time.Millisecond, tracker.Percentile(0))
	assert.Equal(t, 10*time.Millisecond, tracker.Percentile(100))
}

func TestLatencyTrackerEmpty(t *testing.T) {
	assert.Zero(t, NewLatencyTracker(0).Percentile(95))
}
