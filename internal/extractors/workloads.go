package extractors

import (
	"sort"
	"strings"
)

// Workload finding kinds.
const (
	FindingCrashLoop   = "pod_crashloop"
	FindingOOMKilled   = "pod_oom_killed"
	FindingPrivileged  = "privileged_container"
	FindingNodeDown    = "node_not_ready"
	FindingNodePressed = "node_pressure"
)

// WorkloadFinding is a structural problem spotted in the latest pods or nodes dump.
type WorkloadFinding struct {
	Kind      string
	Namespace string
	Pod       string
	Container string
	Node      string
	Restarts  int
	Detail    string
}

// WorkloadExtractor inspects pod and node listings.
type WorkloadExtractor struct {
	restartWarning int
}

// NewWorkloadExtractor constructs a WorkloadExtractor. restartWarning is the restart count
// that marks a container as crash looping; non-positive values default to 3.
func NewWorkloadExtractor(restartWarning int) *WorkloadExtractor {
	if restartWarning <= 0 {
		restartWarning = 3
	}
	return &WorkloadExtractor{restartWarning: restartWarning}
}

// DetectPods returns at most one finding per pod and kind.
func (e *WorkloadExtractor) DetectPods(pods []PodStatus) []WorkloadFinding {
	findings := make([]WorkloadFinding, 0)
	for _, pod := range pods {
		seen := make(map[string]struct{})
		add := func(f WorkloadFinding) {
			if _, ok := seen[f.Kind]; ok {
				return
			}
			seen[f.Kind] = struct{}{}
			findings = append(findings, f)
		}
		for _, c := range pod.Containers {
			base := WorkloadFinding{
				Namespace: pod.Namespace,
				Pod:       pod.Name,
				Container: c.Name,
				Node:      pod.Node,
				Restarts:  c.Restarts,
			}
			if strings.EqualFold(c.LastTerminationReason, "OOMKilled") {
				f := base
				f.Kind = FindingOOMKilled
				f.Detail = "container " + c.Name + " was OOMKilled"
				add(f)
			}
			if strings.EqualFold(c.WaitingReason, "CrashLoopBackOff") || c.Restarts >= e.restartWarning {
				f := base
				f.Kind = FindingCrashLoop
				f.Detail = "container " + c.Name + " is restarting"
				if c.WaitingReason != "" {
					f.Detail += " (" + c.WaitingReason + ")"
				}
				add(f)
			}
			if c.Privileged {
				f := base
				f.Kind = FindingPrivileged
				f.Detail = "container " + c.Name + " runs privileged"
				add(f)
			}
		}
	}
	return findings
}

// DetectNodes reports not-ready nodes and nodes under resource pressure.
func (e *WorkloadExtractor) DetectNodes(nodes []NodeStatus) []WorkloadFinding {
	findings := make([]WorkloadFinding, 0)
	for _, n := range nodes {
		if !n.Ready {
			findings = append(findings, WorkloadFinding{Kind: FindingNodeDown, Node: n.Name, Detail: "node is NotReady"})
			continue
		}
		var pressures []string
		if n.MemoryPressure {
			pressures = append(pressures, "MemoryPressure")
		}
		if n.DiskPressure {
			pressures = append(pressures, "DiskPressure")
		}
		if n.PIDPressure {
			pressures = append(pressures, "PIDPressure")
		}
		if len(pressures) > 0 {
			sort.Strings(pressures)
			findings = append(findings, WorkloadFinding{
				Kind:   FindingNodePressed,
				Node:   n.Name,
				Detail: "node reports " + strings.Join(pressures, ", "),
			})
		}
	}
	return findings
}
