package models

import "time"

// Policy gates automated remediation for one cluster.
type Policy struct {
	ClusterID         string          `json:"cluster_id"`
	Enabled           bool            `json:"enabled"`
	CategoryAutoApply map[string]bool `json:"category_auto_apply"`
	SeverityThreshold Severity        `json:"severity_threshold"`
	RequireApproval   bool            `json:"require_approval"`
	ApprovalTimeout   time.Duration   `json:"approval_timeout"`
	ScanInterval      time.Duration   `json:"scan_interval"`
	UpdatedAt         time.Time       `json:"updated_at"`
	UpdatedBy         string          `json:"updated_by,omitempty"`
}

// DefaultPolicy returns the conservative policy created on first use.
func DefaultPolicy(clusterID string, approvalTimeout, scanInterval time.Duration) Policy {
	return Policy{
		ClusterID:         clusterID,
		Enabled:           false,
		CategoryAutoApply: map[string]bool{},
		SeverityThreshold: SeverityHigh,
		RequireApproval:   true,
		ApprovalTimeout:   approvalTimeout,
		ScanInterval:      scanInterval,
	}
}

// CategoryEnabled reports whether auto-apply is switched on for category.
func (p Policy) CategoryEnabled(category string) bool {
	if category == "" {
		return false
	}
	return p.CategoryAutoApply[category]
}
