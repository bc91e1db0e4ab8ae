package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low < medium < high < critical. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is greater than or equal to threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Valid() && s.Rank() >= threshold.Rank()
}

// ParseSeverity normalises a severity string.
func ParseSeverity(value string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(value)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", value)
	}
	return sev, nil
}

// IssueStatus tracks the lifecycle of a detected issue.
type IssueStatus string

const (
	IssueActive        IssueStatus = "active"
	IssueInvestigating IssueStatus = "investigating"
	IssueMitigated     IssueStatus = "mitigated"
	IssueFalsePositive IssueStatus = "false_positive"
)

// Valid reports whether st is a known issue status.
func (st IssueStatus) Valid() bool {
	switch st {
	case IssueActive, IssueInvestigating, IssueMitigated, IssueFalsePositive:
		return true
	}
	return false
}

// Resource identifies the Kubernetes object an issue is about.
type Resource struct {
	Kind      string `json:"kind,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
	Node      string `json:"node,omitempty"`
}

// Identity is the stable string form used for dedup keys.
func (r Resource) Identity() string {
	return strings.ToLower(strings.Join([]string{r.Kind, r.Namespace, r.Name, r.Node}, "/"))
}

// Issue is a detected anomaly or threat associated with a cluster.
type Issue struct {
	ID             string      `json:"id"`
	ClusterID      string      `json:"cluster_id"`
	Kind           string      `json:"kind"`
	Category       string      `json:"category,omitempty"`
	Severity       Severity    `json:"severity"`
	Status         IssueStatus `json:"status"`
	DedupKey       string      `json:"dedup_key"`
	Resource       Resource    `json:"resource"`
	Title          string      `json:"title"`
	Evidence       []string    `json:"evidence,omitempty"`
	Analysis       string      `json:"analysis,omitempty"`
	Recommendation string      `json:"recommendation,omitempty"`
	DetectedAt     time.Time   `json:"detected_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
