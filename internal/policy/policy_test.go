package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func crashloop(severity models.Severity) models.Issue {
	return models.Issue{
		ID:       "i1",
		Kind:     "pod_crashloop",
		Category: "workload",
		Severity: severity,
		Status:   models.IssueActive,
		Resource: models.Resource{Kind: "Pod", Namespace: "shop", Name: "api-1"},
	}
}

func enabledPolicy(threshold models.Severity, requireApproval bool) models.Policy {
	return models.Policy{
		ClusterID:         "c1",
		Enabled:           true,
		CategoryAutoApply: map[string]bool{"workload": true},
		SeverityThreshold: threshold,
		RequireApproval:   requireApproval,
		ApprovalTimeout:   15 * time.Minute,
	}
}

var restartPlan = &Plan{Category: "workload", CommandType: "restart_pod", Params: map[string]string{"pod": "api-1"}}

func TestDecide(t *testing.T) {
	disabled := models.DefaultPolicy("c1", time.Minute, time.Minute)

	cases := []struct {
		name   string
		issue  models.Issue
		policy models.Policy
		plan   *Plan
		want   Outcome
	}{
		{"disabled policy ignores critical issue", crashloop(models.SeverityCritical), disabled, restartPlan, OutcomeIgnore},
		{"below threshold", crashloop(models.SeverityMedium), enabledPolicy(models.SeverityHigh, false), restartPlan, OutcomeIgnore},
		{"threshold is inclusive", crashloop(models.SeverityHigh), enabledPolicy(models.SeverityHigh, false), restartPlan, OutcomeDispatch},
		{"approval required", crashloop(models.SeverityHigh), enabledPolicy(models.SeverityMedium, true), restartPlan, OutcomeApproval},
		{"no plan", crashloop(models.SeverityCritical), enabledPolicy(models.SeverityLow, false), nil, OutcomeIgnore},
		{"category disabled", func() models.Issue { i := crashloop(models.SeverityCritical); i.Category = "security"; return i }(), enabledPolicy(models.SeverityLow, false), restartPlan, OutcomeIgnore},
		{"category from plan", func() models.Issue { i := crashloop(models.SeverityCritical); i.Category = ""; return i }(), enabledPolicy(models.SeverityLow, false), restartPlan, OutcomeDispatch},
		{"inactive issue", func() models.Issue { i := crashloop(models.SeverityCritical); i.Status = models.IssueMitigated; return i }(), enabledPolicy(models.SeverityLow, false), restartPlan, OutcomeIgnore},
		{"unknown severity", crashloop("urgent"), enabledPolicy(models.SeverityLow, false), restartPlan, OutcomeIgnore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.issue, tc.policy, tc.plan)
			assert.Equal(t, tc.want, got.Outcome, got.Reason)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestDefaultPlanner(t *testing.T) {
	planner, err := NewPlanner("", utils.DiscardLogger())
	require.NoError(t, err)

	plan, ok := planner.Plan(crashloop(models.SeverityHigh))
	require.True(t, ok)
	assert.Equal(t, "restart_pod", plan.CommandType)
	assert.Equal(t, map[string]string{"namespace": "shop", "pod": "api-1"}, plan.Params)

	node := models.Issue{Kind: "node_not_ready", Severity: models.SeverityCritical, Resource: models.Resource{Kind: "Node", Node: "n1"}}
	plan, ok = planner.Plan(node)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"node": "n1"}, plan.Params)
	assert.Equal(t, "infrastructure", plan.Category)

	_, ok = planner.Plan(models.Issue{Kind: "node_pressure", Severity: models.SeverityMedium, Resource: models.Resource{Kind: "Node", Node: "n1"}})
	assert.False(t, ok, "min_severity excludes medium pressure")

	_, ok = planner.Plan(models.Issue{Kind: "metric_anomaly", Severity: models.SeverityHigh})
	assert.False(t, ok)

	assert.Equal(t, "security", planner.Category("privileged_container"))
	assert.Empty(t, planner.Category("metric_anomaly"))
}

func TestPlannerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - id: shop-only
    match:
      kind: pod_crashloop
      namespaces: ["shop"]
    category: workload
    command: delete_pod
    params:
      target: "{{kind}}/{{namespace}}/{{name}}"
`), 0o600))

	planner, err := NewPlanner(path, utils.DiscardLogger())
	require.NoError(t, err)

	plan, ok := planner.Plan(crashloop(models.SeverityHigh))
	require.True(t, ok)
	assert.Equal(t, "shop-only", plan.RuleID)
	assert.Equal(t, "Pod/shop/api-1", plan.Params["target"])

	other := crashloop(models.SeverityHigh)
	other.Resource.Namespace = "kube-system"
	_, ok = planner.Plan(other)
	assert.False(t, ok)
}

func TestPlannerMissingFileFallsBack(t *testing.T) {
	planner, err := NewPlanner(filepath.Join(t.TempDir(), "absent.yaml"), utils.DiscardLogger())
	require.NoError(t, err)
	_, ok := planner.Plan(crashloop(models.SeverityHigh))
	assert.True(t, ok)
}

func TestParseRulesRejectsIncompleteRules(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - id: x\n    match: {kind: a}\n"), nil)
	require.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - id: x\n    match: {kind: a, min_severity: huge}\n    command: c\n"), nil)
	require.Error(t, err)

	var nilPlanner *Planner
	_, ok := nilPlanner.Plan(crashloop(models.SeverityHigh))
	assert.False(t, ok)
}
