package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/detect"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/policy"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *RemediationService
	store      *badgerstore.Store
	recorder   *notify.Recorder
	token      string
	candidates []detect.Candidate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s, recorder: &notify.Recorder{}}
	svc, err := Build(config.Default(), Infra{
		Store:    s,
		Notifier: f.recorder,
		Classifier: detect.ClassifierFunc(func(context.Context, detect.Input) ([]detect.Candidate, error) {
			return f.candidates, nil
		}),
		Clock:  func() time.Time { return now },
		Logger: utils.DiscardLogger(),
	})
	require.NoError(t, err)
	f.svc = svc

	_, token, err := svc.RegisterCluster(context.Background(), "c1", "prod")
	require.NoError(t, err)
	f.token = token
	return f
}

func ptr[T any](v T) *T { return &v }

func crashloop(sev models.Severity) detect.Candidate {
	return detect.Candidate{
		Kind:        detect.KindPodCrashLoop,
		Severity:    sev,
		Resource:    models.Resource{Kind: "Pod", Namespace: "shop", Name: "api-1"},
		Description: "api-1 restarted 12 times",
	}
}

func (f *fixture) setPolicy(t *testing.T, threshold string, requireApproval bool) {
	t.Helper()
	_, err := f.svc.UpdatePolicy(context.Background(), "c1", PolicyUpdate{
		Enabled:           ptr(true),
		CategoryAutoApply: map[string]bool{"workload": true},
		SeverityThreshold: ptr(threshold),
		RequireApproval:   ptr(requireApproval),
	}, "alice")
	require.NoError(t, err)
}

func (f *fixture) counts(t *testing.T) (commands, approvals int) {
	t.Helper()
	cmds, err := f.store.ListCommands(context.Background(), store.CommandFilter{ClusterID: "c1"})
	require.NoError(t, err)
	reqs, err := f.store.ListApprovals(context.Background(), store.ApprovalFilter{ClusterID: "c1"})
	require.NoError(t, err)
	return len(cmds), len(reqs)
}

func TestDisabledPolicyIgnoresCriticalIssue(t *testing.T) {
	f := newFixture(t)
	f.candidates = []detect.Candidate{crashloop(models.SeverityCritical)}

	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Equal(t, 1, res.IssuesFound)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, policy.OutcomeIgnore, res.Actions[0].Outcome)
	assert.Contains(t, res.Actions[0].Reason, "disabled")

	cmds, reqs := f.counts(t)
	assert.Zero(t, cmds)
	assert.Zero(t, reqs)
}

func TestIssueBelowThresholdIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, "high", false)
	f.candidates = []detect.Candidate{crashloop(models.SeverityMedium)}

	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, policy.OutcomeIgnore, res.Actions[0].Outcome)
	assert.Contains(t, res.Actions[0].Reason, "below threshold")

	cmds, reqs := f.counts(t)
	assert.Zero(t, cmds)
	assert.Zero(t, reqs)
}

func TestApprovalRequiredThenApproved(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, "medium", true)
	f.candidates = []detect.Candidate{crashloop(models.SeverityHigh)}

	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.Equal(t, policy.OutcomeApproval, act.Outcome)
	require.NotEmpty(t, act.ApprovalID)

	cmds, reqs := f.counts(t)
	assert.Zero(t, cmds, "nothing runs before approval")
	assert.Equal(t, 1, reqs)

	req, err := f.svc.GetApproval(context.Background(), act.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, "restart_pod", req.ActionType)
	assert.Equal(t, map[string]string{"namespace": "shop", "pod": "api-1"}, req.ActionParams)
	assert.Equal(t, now.Add(15*time.Minute), req.ExpiresAt)

	answer := approval.RespondInput{ID: act.ApprovalID, Decision: models.DecisionApprove, Channel: models.ChannelWeb, Responder: "alice"}
	executed, err := f.svc.RespondApproval(context.Background(), answer)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, executed.Status)

	again, err := f.svc.RespondApproval(context.Background(), answer)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, again.Status)

	cmds, _ = f.counts(t)
	assert.Equal(t, 1, cmds, "exactly one command per approval")
}

func TestDirectDispatchIsIdempotentPerIssue(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, "high", false)
	f.candidates = []detect.Candidate{crashloop(models.SeverityCritical)}

	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.Equal(t, policy.OutcomeDispatch, act.Outcome)
	assert.Equal(t, IssueCommandID(act.IssueID, "restart_pod"), act.CommandID)

	again, err := f.svc.Remediate(context.Background(), act.IssueID)
	require.NoError(t, err)
	assert.Equal(t, act.CommandID, again.CommandID)

	cmds, reqs := f.counts(t)
	assert.Equal(t, 1, cmds)
	assert.Zero(t, reqs)
}

func TestAgentRoundTripMitigatesIssue(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, "high", false)
	f.candidates = []detect.Candidate{crashloop(models.SeverityHigh)}

	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)

	claimed, err := f.svc.FetchCommands(context.Background(), f.token, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.CommandExecuting, claimed[0].Status)

	done, err := f.svc.ReportResult(context.Background(), f.token, claimed[0].ID, dispatch.Report{Status: models.CommandCompleted, Result: "pod restarted"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, done.Status)

	issue, err := f.svc.GetIssue(context.Background(), res.Actions[0].IssueID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueMitigated, issue.Status)

	_, err = f.svc.FetchCommands(context.Background(), "not-a-token", 0)
	assert.Equal(t, utils.KindAuthorization, utils.KindOf(err))
}

func TestReconcileRegatesOrphanedIssues(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, "high", false)
	require.NoError(t, f.store.InsertIssue(context.Background(), models.Issue{
		ID:         "i-orphan",
		ClusterID:  "c1",
		Kind:       detect.KindPodCrashLoop,
		Category:   "workload",
		Severity:   models.SeverityHigh,
		Status:     models.IssueActive,
		DedupKey:   "k1",
		Resource:   models.Resource{Kind: "Pod", Namespace: "shop", Name: "api-1"},
		Title:      "api-1 crash looping",
		DetectedAt: now.Add(-time.Minute),
		UpdatedAt:  now.Add(-time.Minute),
	}))

	handled, err := f.svc.Reconcile(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	handled, err = f.svc.Reconcile(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, handled)

	cmds, _ := f.counts(t)
	assert.Equal(t, 1, cmds)
}

func TestRegisterClusterStoresDefaultPolicy(t *testing.T) {
	f := newFixture(t)

	pol, err := f.store.GetPolicy(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, pol.Enabled)
	assert.Equal(t, models.SeverityHigh, pol.SeverityThreshold)
	assert.True(t, pol.RequireApproval)
	assert.Equal(t, "system", pol.UpdatedBy)

	cluster, token, err := f.svc.RegisterCluster(context.Background(), "c1", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "prod", cluster.Name, "existing cluster is kept")
	assert.NotEqual(t, f.token, token)

	cred, err := f.svc.AuthenticateAgent(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "c1", cred.ClusterID)

	_, _, err = f.svc.RegisterCluster(context.Background(), " ", "")
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

func TestUpdatePolicy(t *testing.T) {
	f := newFixture(t)

	pol, err := f.svc.UpdatePolicy(context.Background(), "c1", PolicyUpdate{
		Enabled:         ptr(true),
		ApprovalTimeout: ptr("30m"),
	}, "bob")
	require.NoError(t, err)
	assert.True(t, pol.Enabled)
	assert.Equal(t, 30*time.Minute, pol.ApprovalTimeout)
	assert.Equal(t, models.SeverityHigh, pol.SeverityThreshold, "untouched fields keep their value")
	assert.Equal(t, "bob", pol.UpdatedBy)
	assert.Equal(t, now, pol.UpdatedAt)

	bad := map[string]PolicyUpdate{
		"severity":      {SeverityThreshold: ptr("urgent")},
		"timeout":       {ApprovalTimeout: ptr("-1m")},
		"scan interval": {ScanInterval: ptr("soon")},
		"category":      {CategoryAutoApply: map[string]bool{" ": true}},
	}
	for name, update := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.UpdatePolicy(context.Background(), "c1", update, "bob")
			assert.Equal(t, utils.KindValidation, utils.KindOf(err))
		})
	}

	_, err = f.svc.GetPolicy(context.Background(), "missing")
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
}

func TestTransitionIssue(t *testing.T) {
	f := newFixture(t)
	f.candidates = []detect.Candidate{crashloop(models.SeverityHigh)}
	res, err := f.svc.Analyze(context.Background(), "c1", true)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	id := res.Issues[0].ID

	issue, err := f.svc.TransitionIssue(context.Background(), id, models.IssueInvestigating, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.IssueInvestigating, issue.Status)

	issue, err = f.svc.TransitionIssue(context.Background(), id, models.IssueFalsePositive, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.IssueFalsePositive, issue.Status)

	issue, err = f.svc.TransitionIssue(context.Background(), id, models.IssueFalsePositive, "alice")
	require.NoError(t, err, "repeating a transition is a no-op")
	assert.Equal(t, models.IssueFalsePositive, issue.Status)

	_, err = f.svc.TransitionIssue(context.Background(), id, models.IssueActive, "alice")
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))

	_, err = f.svc.TransitionIssue(context.Background(), id, "resolved", "alice")
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))

	_, err = f.svc.TransitionIssue(context.Background(), "missing", models.IssueMitigated, "alice")
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
}

func TestReactivationKeepsOneActiveIssuePerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.candidates = []detect.Candidate{crashloop(models.SeverityHigh)}

	first, err := f.svc.Analyze(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, first.Issues, 1)
	oldID := first.Issues[0].ID

	_, err = f.svc.TransitionIssue(ctx, oldID, models.IssueInvestigating, "alice")
	require.NoError(t, err)

	second, err := f.svc.Analyze(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, second.Issues, 1)
	newID := second.Issues[0].ID
	require.NotEqual(t, oldID, newID, "investigating issues do not suppress detection")

	_, err = f.svc.TransitionIssue(ctx, oldID, models.IssueActive, "alice")
	require.Error(t, err)
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, newID, appErr.Details["active_issue_id"])

	active, err := f.svc.ListIssues(ctx, "c1", []models.IssueStatus{models.IssueActive}, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newID, active[0].ID)

	_, err = f.svc.TransitionIssue(ctx, newID, models.IssueMitigated, "alice")
	require.NoError(t, err)
	issue, err := f.svc.TransitionIssue(ctx, oldID, models.IssueActive, "alice")
	require.NoError(t, err, "the key is free again once the other issue closes")
	assert.Equal(t, models.IssueActive, issue.Status)
}

func TestPruneTelemetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AppendTelemetry(context.Background(), []models.TelemetryRecord{
		{ID: "old", ClusterID: "c1", Kind: "logs", Payload: []byte(`[]`), CollectedAt: now.Add(-2 * time.Hour), ReceivedAt: now},
		{ID: "new", ClusterID: "c1", Kind: "logs", Payload: []byte(`[]`), CollectedAt: now.Add(-time.Minute), ReceivedAt: now},
	}))

	pruned, err := f.svc.PruneTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestIssuePatterns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, pod := range []string{"checkout-7d9f8c6b5-x2kzq", "checkout-7d9f8c6b5-4rjtw", "payments-6b7c8d9f5-zz9kd"} {
		require.NoError(t, f.store.InsertIssue(ctx, models.Issue{
			ID:         "issue-" + pod,
			ClusterID:  "c1",
			Kind:       "crash_loop",
			Severity:   models.SeverityHigh,
			Status:     models.IssueActive,
			DedupKey:   "crash_loop|" + pod,
			Resource:   models.Resource{Kind: "Pod", Namespace: "shop", Name: pod},
			DetectedAt: now.Add(-time.Duration(i+1) * time.Hour),
			UpdatedAt:  now,
		}))
	}

	found, err := f.svc.IssuePatterns(ctx, "c1", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "checkout", found[0].Workload)
	assert.Equal(t, 2, found[0].Occurrences)

	found, err = f.svc.IssuePatterns(ctx, "c1", 90*time.Minute, 1, 0)
	require.NoError(t, err)
	require.Len(t, found, 1, "only the newest issue is inside the window")

	_, err = f.svc.IssuePatterns(ctx, "nope", 0, 0, 0)
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))

	_, err = f.svc.IssuePatterns(ctx, "c1", -time.Hour, 0, 0)
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}
