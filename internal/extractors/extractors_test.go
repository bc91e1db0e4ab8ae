package extractors

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(kind string, at time.Time, payload string) models.TelemetryRecord {
	return models.TelemetryRecord{ClusterID: "c1", Kind: kind, Payload: json.RawMessage(payload), CollectedAt: at}
}

func TestBuildSnapshot(t *testing.T) {
	records := []models.TelemetryRecord{
		record("pods", base.Add(2*time.Minute), `{"items":[{"name":"api-2","namespace":"shop"}]}`),
		record("cpu", base, `{"value":0.4,"pod":"api-1","namespace":"shop"}`),
		record("pods", base.Add(time.Minute), `[{"name":"api-1","namespace":"shop"}]`),
		record("log", base, `[{"level":"error","message":"boom"},{"level":"info","message":"ok","count":4}]`),
		record("nodes", base, `"not a listing"`),
		record("events", base, `[]`),
	}

	snap := BuildSnapshot(records)

	require.Len(t, snap.Metrics, 1)
	assert.Equal(t, "cpu", snap.Metrics[0].Name)
	assert.Equal(t, base, snap.Metrics[0].Timestamp)

	require.Len(t, snap.Logs, 2)
	assert.Equal(t, 1, snap.Logs[0].Count)
	assert.Equal(t, 4, snap.Logs[1].Count)

	require.Len(t, snap.Pods, 1)
	assert.Equal(t, "api-2", snap.Pods[0].Name, "latest pods dump wins")
	assert.Empty(t, snap.Nodes)
	assert.Equal(t, 1, snap.Undecoded)
}

func TestMetricExtractorDetect(t *testing.T) {
	extractor := NewMetricExtractor(3)

	samples := make([]MetricSample, 0, 12)
	for i := 0; i < 12; i++ {
		value := 0.40 + float64(i%3)*0.01
		if i == 11 {
			value = 0.97
		}
		samples = append(samples, MetricSample{Name: "cpu_usage", Pod: "api-1", Namespace: "shop", Value: value, Timestamp: base.Add(time.Duration(i) * time.Minute)})
		samples = append(samples, MetricSample{Name: "cpu_usage", Pod: "api-2", Namespace: "shop", Value: 0.4, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	anomalies := extractor.Detect(samples)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "api-1", anomalies[0].Series.Pod)
	assert.InDelta(t, 0.97, anomalies[0].Value, 1e-9)
	assert.GreaterOrEqual(t, anomalies[0].Score, 3.0)
}

func TestMetricExtractorNeedsHistory(t *testing.T) {
	extractor := NewMetricExtractor(0)
	samples := []MetricSample{
		{Name: "mem", Value: 1, Timestamp: base},
		{Name: "mem", Value: 100, Timestamp: base.Add(time.Minute)},
	}
	assert.Empty(t, extractor.Detect(samples))
}

func TestLogsExtractorDetect(t *testing.T) {
	extractor := NewLogsExtractor(50)

	lines := make([]LogLine, 0)
	for i := 0; i < 6; i++ {
		count := 2
		if i == 5 {
			count = 30
		}
		lines = append(lines, LogLine{Level: "error", Message: "db timeout", Namespace: "shop", Pod: "api-1", Count: count, Timestamp: base.Add(time.Duration(i) * time.Minute)})
		lines = append(lines, LogLine{Level: "info", Message: "ok", Namespace: "shop", Pod: "api-2", Count: 500, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	anomalies := extractor.Detect(lines)
	require.Len(t, anomalies, 1)
	assert.Equal(t, Workload{Namespace: "shop", Pod: "api-1"}, anomalies[0].Workload)
	assert.Equal(t, 30, anomalies[0].Count)
	assert.Equal(t, "db timeout", anomalies[0].Sample)
}

func TestLogsExtractorAbsoluteLimit(t *testing.T) {
	extractor := NewLogsExtractor(10)
	lines := []LogLine{{Level: "ERROR", Message: "panic", Pod: "worker", Count: 12, Timestamp: base}}

	anomalies := extractor.Detect(lines)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 12, anomalies[0].Count)
}

func TestWorkloadExtractorPods(t *testing.T) {
	extractor := NewWorkloadExtractor(5)

	pods := []PodStatus{
		{Name: "api-1", Namespace: "shop", Node: "n1", Containers: []ContainerStatus{
			{Name: "api", Restarts: 7, WaitingReason: "CrashLoopBackOff", LastTerminationReason: "OOMKilled"},
			{Name: "sidecar", Restarts: 9},
		}},
		{Name: "debug", Namespace: "ops", Containers: []ContainerStatus{{Name: "shell", Privileged: true}}},
		{Name: "healthy", Namespace: "shop", Containers: []ContainerStatus{{Name: "app", Restarts: 1}}},
	}

	findings := extractor.DetectPods(pods)
	kinds := make([]string, 0, len(findings))
	for _, f := range findings {
		kinds = append(kinds, f.Pod+"/"+f.Kind)
	}
	assert.ElementsMatch(t, []string{
		"api-1/" + FindingOOMKilled,
		"api-1/" + FindingCrashLoop,
		"debug/" + FindingPrivileged,
	}, kinds)
}

func TestWorkloadExtractorNodes(t *testing.T) {
	extractor := NewWorkloadExtractor(0)

	findings := extractor.DetectNodes([]NodeStatus{
		{Name: "n1", Ready: false, MemoryPressure: true},
		{Name: "n2", Ready: true, DiskPressure: true, MemoryPressure: true},
		{Name: "n3", Ready: true},
	})

	require.Len(t, findings, 2)
	assert.Equal(t, FindingNodeDown, findings[0].Kind)
	assert.Equal(t, FindingNodePressed, findings[1].Kind)
	assert.Equal(t, "node reports DiskPressure, MemoryPressure", findings[1].Detail)
}
