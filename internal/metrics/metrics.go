package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (classifier or dependency issues).
	OutcomeError = "error"
	// OutcomeSkipped labels detection runs that did not take the cluster lease.
	OutcomeSkipped = "skipped"
)

var (
	ingestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "ingest_records_total",
			Help:      "Telemetry records seen by the ingestion gate, partitioned by result.",
		},
		[]string{"result"},
	)

	ingestRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "ingest_rejections_total",
			Help:      "Whole-batch ingestion rejections, partitioned by reason.",
		},
		[]string{"reason"},
	)

	detectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "detection_runs_total",
			Help:      "Detection runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_remediate",
			Name:      "detection_seconds",
			Help:      "Detection latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	issuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "issues_total",
			Help:      "Issue candidates, partitioned by whether they were persisted or suppressed.",
		},
		[]string{"result"},
	)

	policyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "policy_decisions_total",
			Help:      "Policy gate decisions by action.",
		},
		[]string{"action"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "approval_transitions_total",
			Help:      "Approval request transitions by target status.",
		},
		[]string{"status"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "command_transitions_total",
			Help:      "Remediation command transitions by target status.",
		},
		[]string{"status"},
	)

	retrySweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "retry_sweep_commands_total",
			Help:      "Commands handled by the retry sweep, partitioned by result.",
		},
		[]string{"result"},
	)
)

// Register attaches mirador-remediate collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestRecordsTotal,
		ingestRejectionsTotal,
		detectionRunsTotal,
		detectionDurationSeconds,
		issuesTotal,
		policyDecisionsTotal,
		approvalsTotal,
		commandsTotal,
		retrySweepTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records accepted and rejected record counts for one batch.
func ObserveIngest(accepted, rejected int) {
	ingestRecordsTotal.WithLabelValues("accepted").Add(float64(accepted))
	ingestRecordsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// IngestRejected counts a batch refused as a whole.
func IngestRejected(reason string) {
	ingestRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveDetection records a detection duration and outcome label.
func ObserveDetection(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeSkipped:
	default:
		outcome = OutcomeSuccess
	}
	detectionRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	if duration < 0 {
		duration = 0
	}
	detectionDurationSeconds.Observe(duration.Seconds())
}

// ObserveIssues counts persisted and suppressed candidates for one run.
func ObserveIssues(persisted, suppressed int) {
	issuesTotal.WithLabelValues("persisted").Add(float64(persisted))
	issuesTotal.WithLabelValues("suppressed").Add(float64(suppressed))
}

// PolicyDecision counts one policy gate outcome.
func PolicyDecision(action string) {
	policyDecisionsTotal.WithLabelValues(action).Inc()
}

// ApprovalTransition counts an approval reaching status.
func ApprovalTransition(status string) {
	approvalsTotal.WithLabelValues(status).Inc()
}

// CommandTransition counts a command reaching status.
func CommandTransition(status string) {
	commandsTotal.WithLabelValues(status).Inc()
}

// ObserveRetrySweep records one sweep's tallies.
func ObserveRetrySweep(retried, skipped, failed int) {
	retrySweepTotal.WithLabelValues("retried").Add(float64(retried))
	retrySweepTotal.WithLabelValues("skipped").Add(float64(skipped))
	retrySweepTotal.WithLabelValues("failed_to_requeue").Add(float64(failed))
}
