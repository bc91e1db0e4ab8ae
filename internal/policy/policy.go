// Package policy decides whether an issue may be remediated automatically.
package policy

import (
	"fmt"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Outcome is the gate's verdict.
type Outcome string

const (
	OutcomeIgnore   Outcome = "ignore"
	OutcomeDispatch Outcome = "dispatch"
	OutcomeApproval Outcome = "approval"
)

// Decision carries the verdict and a human-readable reason.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

func ignore(format string, args ...any) Decision {
	return Decision{Outcome: OutcomeIgnore, Reason: fmt.Sprintf(format, args...)}
}

// Decide applies p to issue. plan is the remediation proposed for the issue, nil when the
// planner has none. Decide has no side effects.
func Decide(issue models.Issue, p models.Policy, plan *Plan) Decision {
	if !p.Enabled {
		return ignore("auto-remediation is disabled for cluster %s", p.ClusterID)
	}
	if issue.Status != models.IssueActive {
		return ignore("issue is %s", issue.Status)
	}
	if plan == nil {
		return ignore("no remediation plan for issue kind %s", issue.Kind)
	}

	category := issue.Category
	if category == "" {
		category = plan.Category
	}
	if !p.CategoryEnabled(category) {
		return ignore("category %q is not enabled for auto-apply", category)
	}

	threshold := p.SeverityThreshold
	if !threshold.Valid() {
		threshold = models.SeverityHigh
	}
	if !issue.Severity.AtLeast(threshold) {
		return ignore("severity %s is below threshold %s", issue.Severity, threshold)
	}

	if p.RequireApproval {
		return Decision{Outcome: OutcomeApproval, Reason: fmt.Sprintf("%s requires approval before %s", category, plan.CommandType)}
	}
	return Decision{Outcome: OutcomeDispatch, Reason: fmt.Sprintf("%s auto-apply allows %s", category, plan.CommandType)}
}
