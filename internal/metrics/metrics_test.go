package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}
}

func TestObserveDetectionSkippedHasNoLatency(t *testing.T) {
	before := testutil.CollectAndCount(detectionDurationSeconds)
	beforeSkipped := testutil.ToFloat64(detectionRunsTotal.WithLabelValues(OutcomeSkipped))

	ObserveDetection(time.Second, OutcomeSkipped)

	if got := testutil.ToFloat64(detectionRunsTotal.WithLabelValues(OutcomeSkipped)); got != beforeSkipped+1 {
		t.Fatalf("expected skipped counter to increase, got %v", got)
	}
	if after := testutil.CollectAndCount(detectionDurationSeconds); after != before {
		t.Fatalf("histogram series changed unexpectedly")
	}
}

func TestObserveRetrySweep(t *testing.T) {
	base := testutil.ToFloat64(retrySweepTotal.WithLabelValues("retried"))
	ObserveRetrySweep(2, 1, 0)
	if got := testutil.ToFloat64(retrySweepTotal.WithLabelValues("retried")); got != base+2 {
		t.Fatalf("expected retried +2, got %v", got)
	}
}
