package ingest

import "strings"

// Scalar, log and bulk telemetry kinds accepted by the gate.
const (
	KindMetric      = "metric"
	KindCPU         = "cpu"
	KindMemory      = "memory"
	KindDisk        = "disk"
	KindNetwork     = "network"
	KindLog         = "log"
	KindEvent       = "event"
	KindPods        = "pods"
	KindEvents      = "events"
	KindNodes       = "nodes"
	KindDeployments = "deployments"
	KindServices    = "services"
)

const (
	scalarCap = 4 << 10
	logCap    = 16 << 10
	eventCap  = 32 << 10
	bulkCap   = 1 << 20
)

// DefaultCaps returns the per-kind payload byte limits.
func DefaultCaps() map[string]int {
	return map[string]int{
		KindMetric:      scalarCap,
		KindCPU:         scalarCap,
		KindMemory:      scalarCap,
		KindDisk:        scalarCap,
		KindNetwork:     scalarCap,
		KindLog:         logCap,
		KindEvent:       eventCap,
		KindPods:        bulkCap,
		KindEvents:      bulkCap,
		KindNodes:       bulkCap,
		KindDeployments: bulkCap,
		KindServices:    bulkCap,
	}
}

// MergeCaps overlays overrides on the defaults. Unknown kinds in overrides become
// accepted kinds; a non-positive cap removes the kind.
func MergeCaps(overrides map[string]int) map[string]int {
	caps := DefaultCaps()
	for kind, limit := range overrides {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		if limit <= 0 {
			delete(caps, kind)
			continue
		}
		caps[kind] = limit
	}
	return caps
}
