package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-remediate/internal/extractors"
	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Issue kinds produced by the heuristic classifier.
const (
	KindMetricAnomaly  = "metric_anomaly"
	KindErrorLogSpike  = "error_log_spike"
	KindPodCrashLoop   = extractors.FindingCrashLoop
	KindPodOOMKilled   = extractors.FindingOOMKilled
	KindPrivileged     = extractors.FindingPrivileged
	KindNodeNotReady   = extractors.FindingNodeDown
	KindNodeUnderPress = extractors.FindingNodePressed
)

// HeuristicOptions tunes the local detectors.
type HeuristicOptions struct {
	ZThreshold      float64
	RestartWarning  int
	ErrorLogsPerMin int
}

// HeuristicClassifier is a local statistical classifier built on the extractors. It needs no
// external service and is deterministic for a given window.
type HeuristicClassifier struct {
	metrics   *extractors.MetricExtractor
	logs      *extractors.LogsExtractor
	workloads *extractors.WorkloadExtractor
}

// NewHeuristicClassifier wires the metric, log and workload extractors.
func NewHeuristicClassifier(opts HeuristicOptions) *HeuristicClassifier {
	return &HeuristicClassifier{
		metrics:   extractors.NewMetricExtractor(opts.ZThreshold),
		logs:      extractors.NewLogsExtractor(opts.ErrorLogsPerMin),
		workloads: extractors.NewWorkloadExtractor(opts.RestartWarning),
	}
}

// Classify implements Classifier.
func (h *HeuristicClassifier) Classify(ctx context.Context, in Input) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := extractors.BuildSnapshot(in.Telemetry)

	out := make([]Candidate, 0)
	for _, a := range h.metrics.Detect(snap.Metrics) {
		out = append(out, metricCandidate(a))
	}
	for _, a := range h.logs.Detect(snap.Logs) {
		out = append(out, logCandidate(a))
	}
	for _, f := range h.workloads.DetectPods(snap.Pods) {
		out = append(out, workloadCandidate(f))
	}
	for _, f := range h.workloads.DetectNodes(snap.Nodes) {
		out = append(out, workloadCandidate(f))
	}
	return out, nil
}

func metricCandidate(a extractors.MetricAnomaly) Candidate {
	severity := models.SeverityMedium
	if a.Score >= 2*a.Threshold {
		severity = models.SeverityHigh
	}
	return Candidate{
		Kind:        KindMetricAnomaly,
		Category:    "performance",
		Severity:    severity,
		Resource:    seriesResource(a.Series),
		Description: fmt.Sprintf("%s is %.3g, %.1f standard deviations above its recent mean of %.3g", a.Series.Name, a.Value, a.Score, a.Mean),
		Evidence: []string{
			fmt.Sprintf("metric=%s value=%g mean=%g z=%.2f at=%s", a.Series.Name, a.Value, a.Mean, a.Score, a.Timestamp.Format("15:04:05")),
		},
		Analysis:       "The newest sample departs sharply from the series baseline inside the analysis window.",
		Recommendation: "Check recent deployments and load on the affected workload.",
	}
}

func seriesResource(k extractors.SeriesKey) models.Resource {
	switch {
	case k.Pod != "":
		return models.Resource{Kind: "Pod", Namespace: k.Namespace, Name: k.Pod}
	case k.Node != "":
		return models.Resource{Kind: "Node", Node: k.Node}
	default:
		return models.Resource{Kind: "Metric", Namespace: k.Namespace, Name: k.Name}
	}
}

func logCandidate(a extractors.LogAnomaly) Candidate {
	severity := models.SeverityMedium
	if a.Score >= 6 {
		severity = models.SeverityHigh
	}
	name := a.Workload.Pod
	kind := "Pod"
	if name == "" {
		name, kind = a.Workload.Namespace, "Namespace"
	}
	if name == "" {
		name = "cluster"
	}
	evidence := []string{fmt.Sprintf("%d error lines in the minute starting %s (median %.0f)", a.Count, a.Timestamp.Format("15:04"), a.Median)}
	if a.Sample != "" {
		evidence = append(evidence, "sample: "+truncate(a.Sample, 200))
	}
	return Candidate{
		Kind:           KindErrorLogSpike,
		Category:       "reliability",
		Severity:       severity,
		Resource:       models.Resource{Kind: kind, Namespace: a.Workload.Namespace, Name: name},
		Description:    fmt.Sprintf("error log volume spiked to %d lines per minute", a.Count),
		Evidence:       evidence,
		Recommendation: "Inspect the workload logs around the spike and roll back the latest change if it correlates.",
	}
}

func workloadCandidate(f extractors.WorkloadFinding) Candidate {
	c := Candidate{Kind: f.Kind, Evidence: []string{f.Detail}}
	switch f.Kind {
	case extractors.FindingCrashLoop:
		c.Category = "workload"
		c.Severity = models.SeverityHigh
		if f.Restarts >= 10 {
			c.Severity = models.SeverityCritical
		}
		c.Description = fmt.Sprintf("pod %s/%s is crash looping (%d restarts)", f.Namespace, f.Pod, f.Restarts)
		c.Recommendation = "Restart the pod and inspect the previous container logs."
	case extractors.FindingOOMKilled:
		c.Category = "workload"
		c.Severity = models.SeverityHigh
		c.Description = fmt.Sprintf("pod %s/%s was killed for exceeding its memory limit", f.Namespace, f.Pod)
		c.Recommendation = "Raise the container memory limit or fix the leak."
	case extractors.FindingPrivileged:
		c.Category = "security"
		c.Severity = models.SeverityHigh
		c.Description = fmt.Sprintf("pod %s/%s runs a privileged container", f.Namespace, f.Pod)
		c.Recommendation = "Remove the privileged flag or quarantine the pod."
	case extractors.FindingNodeDown:
		c.Category = "infrastructure"
		c.Severity = models.SeverityCritical
		c.Description = fmt.Sprintf("node %s is not ready", f.Node)
		c.Recommendation = "Cordon the node and let workloads reschedule."
	case extractors.FindingNodePressed:
		c.Category = "infrastructure"
		c.Severity = models.SeverityMedium
		c.Description = fmt.Sprintf("node %s is under resource pressure", f.Node)
		c.Recommendation = "Free capacity on the node or add nodes to the pool."
	}
	if f.Pod != "" {
		c.Resource = models.Resource{Kind: "Pod", Namespace: f.Namespace, Name: f.Pod}
		if f.Container != "" {
			c.Evidence = append(c.Evidence, "container="+f.Container)
		}
		if f.Node != "" {
			c.Evidence = append(c.Evidence, "node="+f.Node)
		}
	} else {
		c.Resource = models.Resource{Kind: "Node", Node: f.Node}
	}
	return c
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
