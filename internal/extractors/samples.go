package extractors

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// MetricSample is one scalar reading sent by the agent under a metric-like kind.
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Pod       string    `json:"pod,omitempty"`
	Node      string    `json:"node,omitempty"`
	Timestamp time.Time `json:"-"`
}

// SeriesKey groups samples that belong to the same time series.
type SeriesKey struct {
	Name      string
	Namespace string
	Pod       string
	Node      string
}

// Key returns the series the sample belongs to.
func (s MetricSample) Key() SeriesKey {
	return SeriesKey{Name: s.Name, Namespace: s.Namespace, Pod: s.Pod, Node: s.Node}
}

// LogLine is a single log record (or a pre-aggregated count of identical ones).
type LogLine struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Namespace string    `json:"namespace,omitempty"`
	Pod       string    `json:"pod,omitempty"`
	Container string    `json:"container,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"-"`
}

// IsError reports whether the line carries an error-or-worse level.
func (l LogLine) IsError() bool {
	switch strings.ToLower(l.Level) {
	case "error", "err", "fatal", "critical", "panic":
		return true
	}
	return false
}

// ContainerStatus is the per-container slice of a pod listing.
type ContainerStatus struct {
	Name                  string `json:"name"`
	Restarts              int    `json:"restarts"`
	WaitingReason         string `json:"waiting_reason,omitempty"`
	LastTerminationReason string `json:"last_termination_reason,omitempty"`
	Privileged            bool   `json:"privileged,omitempty"`
}

// PodStatus is one entry of a pods dump.
type PodStatus struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Node       string            `json:"node,omitempty"`
	Phase      string            `json:"phase,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Containers []ContainerStatus `json:"containers,omitempty"`
}

// NodeStatus is one entry of a nodes dump.
type NodeStatus struct {
	Name           string `json:"name"`
	Ready          bool   `json:"ready"`
	MemoryPressure bool   `json:"memory_pressure,omitempty"`
	DiskPressure   bool   `json:"disk_pressure,omitempty"`
	PIDPressure    bool   `json:"pid_pressure,omitempty"`
	Unschedulable  bool   `json:"unschedulable,omitempty"`
}

// Snapshot is the typed view of a telemetry window. Undecodable payloads are counted, not fatal.
type Snapshot struct {
	Metrics   []MetricSample
	Logs      []LogLine
	Pods      []PodStatus
	Nodes     []NodeStatus
	PodsAt    time.Time
	NodesAt   time.Time
	Undecoded int
}

var metricKinds = map[string]struct{}{
	"metric":  {},
	"cpu":     {},
	"memory":  {},
	"disk":    {},
	"network": {},
}

// BuildSnapshot decodes records into a Snapshot. Bulk listings keep only the latest dump.
func BuildSnapshot(records []models.TelemetryRecord) Snapshot {
	sorted := append([]models.TelemetryRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CollectedAt.Before(sorted[j].CollectedAt)
	})

	var snap Snapshot
	for _, rec := range sorted {
		var ok bool
		switch {
		case isMetricKind(rec.Kind):
			var samples []MetricSample
			samples, ok = decodeList[MetricSample](rec.Payload)
			for _, s := range samples {
				if s.Name == "" {
					s.Name = rec.Kind
				}
				s.Timestamp = rec.CollectedAt
				snap.Metrics = append(snap.Metrics, s)
			}
		case rec.Kind == "log":
			var lines []LogLine
			lines, ok = decodeList[LogLine](rec.Payload)
			for _, l := range lines {
				if l.Count <= 0 {
					l.Count = 1
				}
				l.Timestamp = rec.CollectedAt
				snap.Logs = append(snap.Logs, l)
			}
		case rec.Kind == "pods":
			var pods []PodStatus
			if pods, ok = decodeList[PodStatus](rec.Payload); ok {
				snap.Pods, snap.PodsAt = pods, rec.CollectedAt
			}
		case rec.Kind == "nodes":
			var nodes []NodeStatus
			if nodes, ok = decodeList[NodeStatus](rec.Payload); ok {
				snap.Nodes, snap.NodesAt = nodes, rec.CollectedAt
			}
		default:
			ok = true
		}
		if !ok {
			snap.Undecoded++
		}
	}
	return snap
}

func isMetricKind(kind string) bool {
	_, ok := metricKinds[kind]
	return ok
}

// decodeList accepts a single object, a bare array, or an {"items": [...]} wrapper.
func decodeList[T any](raw json.RawMessage) ([]T, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false
	}
	switch trimmed[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		return items, true
	case '{':
		var wrapper struct {
			Items []T `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Items != nil {
			return wrapper.Items, true
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, false
		}
		return []T{item}, true
	}
	return nil, false
}
