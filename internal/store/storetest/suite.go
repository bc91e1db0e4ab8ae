// Package storetest holds the behavioural suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"Clusters", testClusters},
		{"Credentials", testCredentials},
		{"Telemetry", testTelemetry},
		{"Issues", testIssues},
		{"Policies", testPolicies},
		{"ApprovalSinglePending", testApprovalSinglePending},
		{"ApprovalTransitions", testApprovalTransitions},
		{"ApprovalExpirySweep", testApprovalExpirySweep},
		{"CommandClaim", testCommandClaim},
		{"CommandFinish", testCommandFinish},
		{"CommandRearm", testCommandRearm},
		{"CommandStaleExecuting", testCommandStaleExecuting},
		{"ConcurrentClaim", testConcurrentClaim},
		{"ConcurrentRearm", testConcurrentRearm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testClusters(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCluster(ctx, models.Cluster{ID: "c1", Name: "prod", CreatedAt: base}))
	require.NoError(t, s.CreateCluster(ctx, models.Cluster{ID: "c2", Name: "staging", CreatedAt: base}))
	assert.ErrorIs(t, s.CreateCluster(ctx, models.Cluster{ID: "c1", CreatedAt: base}), store.ErrConflict)

	_, err := s.GetCluster(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.TouchCluster(ctx, "c1", base.Add(time.Minute)))
	require.NoError(t, s.TouchCluster(ctx, "c1", base), "older touch is ignored")
	got, err := s.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.WithinDuration(t, base.Add(time.Minute), got.LastSeenAt, time.Millisecond)

	assert.ErrorIs(t, s.TouchCluster(ctx, "missing", base), store.ErrNotFound)

	clusters, err := s.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, "c1", clusters[0].ID)
}

func testCredentials(t *testing.T, s store.Store) {
	ctx := context.Background()
	cred := models.Credential{TokenHash: "h1", ClusterID: "c1", Active: true, CreatedAt: base}
	require.NoError(t, s.PutCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, "c1", got.ClusterID)
	assert.True(t, got.LastSeenAt.IsZero())

	require.NoError(t, s.TouchCredential(ctx, "h1", base.Add(time.Hour)))
	got, err = s.GetCredential(ctx, "h1")
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(time.Hour), got.LastSeenAt, time.Millisecond)

	cred.Active = false
	require.NoError(t, s.PutCredential(ctx, cred))
	got, err = s.GetCredential(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = s.GetCredential(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func telemetry(id, cluster string, at time.Time) models.TelemetryRecord {
	return models.TelemetryRecord{
		ID:          id,
		ClusterID:   cluster,
		Kind:        "metric",
		Payload:     json.RawMessage(`{"name":"cpu","value":1}`),
		CollectedAt: at,
		ReceivedAt:  at,
	}
}

func testTelemetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendTelemetry(ctx, []models.TelemetryRecord{
		telemetry("t1", "c1", base.Add(-20*time.Minute)),
		telemetry("t2", "c1", base.Add(-10*time.Minute)),
		telemetry("t3", "c1", base.Add(-time.Minute)),
		telemetry("t4", "c2", base.Add(-time.Minute)),
	}))

	window, err := s.ListTelemetry(ctx, "c1", base.Add(-15*time.Minute), base, 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "t2", window[0].ID, "oldest first")
	assert.Equal(t, "t3", window[1].ID)
	assert.JSONEq(t, `{"name":"cpu","value":1}`, string(window[0].Payload))

	limited, err := s.ListTelemetry(ctx, "c1", base.Add(-time.Hour), base, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "t1", limited[0].ID)

	pruned, err := s.PruneTelemetry(ctx, base.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	all, err := s.ListTelemetry(ctx, "c1", base.Add(-time.Hour), base, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func issue(id, cluster string, status models.IssueStatus, at time.Time) models.Issue {
	return models.Issue{
		ID:         id,
		ClusterID:  cluster,
		Kind:       "crashloop",
		Category:   "workload",
		Severity:   models.SeverityHigh,
		Status:     status,
		DedupKey:   "key-" + id,
		Resource:   models.Resource{Kind: "Pod", Namespace: "default", Name: "api-0"},
		Title:      "api-0 is crash looping",
		Evidence:   []string{"restarts=7"},
		DetectedAt: at,
		UpdatedAt:  at,
	}
}

func testIssues(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertIssue(ctx, issue("i1", "c1", models.IssueActive, base.Add(-40*time.Minute))))
	require.NoError(t, s.InsertIssue(ctx, issue("i2", "c1", models.IssueActive, base.Add(-5*time.Minute))))
	require.NoError(t, s.InsertIssue(ctx, issue("i3", "c1", models.IssueMitigated, base.Add(-time.Minute))))
	require.NoError(t, s.InsertIssue(ctx, issue("i4", "c2", models.IssueActive, base)))
	assert.ErrorIs(t, s.InsertIssue(ctx, issue("i1", "c1", models.IssueActive, base)), store.ErrConflict)

	active, err := s.ListIssues(ctx, store.IssueFilter{
		ClusterID: "c1",
		Statuses:  []models.IssueStatus{models.IssueActive},
		Since:     base.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "i2", active[0].ID)
	assert.Equal(t, models.Resource{Kind: "Pod", Namespace: "default", Name: "api-0"}, active[0].Resource)
	assert.Equal(t, []string{"restarts=7"}, active[0].Evidence)

	all, err := s.ListIssues(ctx, store.IssueFilter{ClusterID: "c1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "i3", all[0].ID, "newest first")

	moved, err := s.TransitionIssue(ctx, "i2", []models.IssueStatus{models.IssueActive, models.IssueInvestigating}, models.IssueMitigated, base)
	require.NoError(t, err)
	assert.Equal(t, models.IssueMitigated, moved.Status)
	assert.WithinDuration(t, base, moved.UpdatedAt, time.Millisecond)

	_, err = s.TransitionIssue(ctx, "i2", []models.IssueStatus{models.IssueActive}, models.IssueMitigated, base)
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.TransitionIssue(ctx, "missing", []models.IssueStatus{models.IssueActive}, models.IssueMitigated, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPolicies(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetPolicy(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	policy := models.DefaultPolicy("c1", 15*time.Minute, 5*time.Minute)
	policy.Enabled = true
	policy.CategoryAutoApply["workload"] = true
	policy.UpdatedAt = base
	policy.UpdatedBy = "alice"
	require.NoError(t, s.PutPolicy(ctx, policy))

	got, err := s.GetPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.CategoryEnabled("workload"))
	assert.Equal(t, models.SeverityHigh, got.SeverityThreshold)
	assert.Equal(t, 15*time.Minute, got.ApprovalTimeout)
	assert.Equal(t, 5*time.Minute, got.ScanInterval)
	assert.Equal(t, "alice", got.UpdatedBy)

	policy.SeverityThreshold = models.SeverityLow
	require.NoError(t, s.PutPolicy(ctx, policy))
	got, err = s.GetPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityLow, got.SeverityThreshold)
}

func approval(id, issueID string, created time.Time, ttl time.Duration) models.ApprovalRequest {
	return models.ApprovalRequest{
		ID:           id,
		ClusterID:    "c1",
		IssueID:      issueID,
		ActionType:   "restart_pod",
		ActionParams: map[string]string{"namespace": "default", "name": "api-0"},
		Status:       models.ApprovalPending,
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
	}
}

func testApprovalSinglePending(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, created, err := s.CreateApproval(ctx, approval("a1", "i1", base, 10*time.Minute), base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a1", first.ID)

	again, created, err := s.CreateApproval(ctx, approval("a2", "i1", base.Add(time.Minute), 10*time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", again.ID, "existing pending request is returned")

	other, created, err := s.CreateApproval(ctx, approval("a3", "i2", base, 10*time.Minute), base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a3", other.ID)

	// a pending request past its deadline no longer blocks a new one
	later := base.Add(11 * time.Minute)
	fresh, created, err := s.CreateApproval(ctx, approval("a4", "i1", later, 10*time.Minute), later)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a4", fresh.ID)

	old, err := s.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, old.Status)

	pending, err := s.ListApprovals(ctx, store.ApprovalFilter{ClusterID: "c1", IssueID: "i1", Status: models.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a4", pending[0].ID)
	assert.Equal(t, map[string]string{"namespace": "default", "name": "api-0"}, pending[0].ActionParams)
}

func testApprovalTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateApproval(ctx, approval("a1", "i1", base, 10*time.Minute), base)
	require.NoError(t, err)

	responded := base.Add(time.Minute)
	approved, err := s.TransitionApproval(ctx, "a1", models.ApprovalPending, store.ApprovalUpdate{
		Status:      models.ApprovalApproved,
		RespondedAt: &responded,
		Channel:     models.ChannelSlack,
		Responder:   "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, approved.Status)
	assert.Equal(t, models.ChannelSlack, approved.ResponderChannel)
	require.NotNil(t, approved.RespondedAt)
	assert.WithinDuration(t, responded, *approved.RespondedAt, time.Millisecond)

	_, err = s.TransitionApproval(ctx, "a1", models.ApprovalPending, store.ApprovalUpdate{Status: models.ApprovalRejected})
	assert.ErrorIs(t, err, store.ErrConflict, "only one response is accepted")

	executed, err := s.TransitionApproval(ctx, "a1", models.ApprovalApproved, store.ApprovalUpdate{
		Status:    models.ApprovalExecuted,
		CommandID: "cmd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, executed.Status)
	assert.Equal(t, "cmd-1", executed.CommandID)
	assert.Equal(t, "bob", executed.Responder, "earlier fields are kept")

	// once the request left pending a new one can be opened for the same issue
	_, created, err := s.CreateApproval(ctx, approval("a2", "i1", base.Add(2*time.Minute), 10*time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = s.TransitionApproval(ctx, "missing", models.ApprovalPending, store.ApprovalUpdate{Status: models.ApprovalRejected})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testApprovalExpirySweep(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateApproval(ctx, approval("a1", "i1", base, 5*time.Minute), base)
	require.NoError(t, err)
	_, _, err = s.CreateApproval(ctx, approval("a2", "i2", base, 30*time.Minute), base)
	require.NoError(t, err)

	n, err := s.ExpireApprovals(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ExpireApprovals(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")

	a1, err := s.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, a1.Status)
	a2, err := s.GetApproval(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, a2.Status)

	_, created, err := s.CreateApproval(ctx, approval("a3", "i1", base.Add(11*time.Minute), 5*time.Minute), base.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
}

func command(id, cluster string, created time.Time, maxRetries int) models.RemediationCommand {
	return models.RemediationCommand{
		ID:          id,
		ClusterID:   cluster,
		IssueID:     "i-" + id,
		CommandType: "restart_pod",
		Params:      map[string]string{"namespace": "default", "name": "api-0"},
		Status:      models.CommandPending,
		MaxRetries:  maxRetries,
		CreatedAt:   created,
	}
}

func testCommandClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, command("k3", "c1", base.Add(2*time.Second), 3)))
	require.NoError(t, s.CreateCommand(ctx, command("k1", "c1", base, 3)))
	require.NoError(t, s.CreateCommand(ctx, command("k2", "c1", base.Add(time.Second), 3)))
	require.NoError(t, s.CreateCommand(ctx, command("x1", "c2", base, 3)))
	assert.ErrorIs(t, s.CreateCommand(ctx, command("k1", "c1", base, 3)), store.ErrConflict)

	claimed, err := s.ClaimCommands(ctx, "c1", 2, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "k1", claimed[0].ID)
	assert.Equal(t, "k2", claimed[1].ID)
	for _, cmd := range claimed {
		assert.Equal(t, models.CommandExecuting, cmd.Status)
		require.NotNil(t, cmd.ExecutedAt)
	}

	rest, err := s.ClaimCommands(ctx, "c1", 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "k3", rest[0].ID)

	none, err := s.ClaimCommands(ctx, "c1", 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	listed, err := s.ListCommands(ctx, store.CommandFilter{ClusterID: "c1", Status: models.CommandExecuting})
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func testCommandFinish(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, command("k1", "c1", base, 3)))

	_, err := s.FinishCommand(ctx, "k1", store.CommandResult{Status: models.CommandCompleted, CompletedAt: base})
	assert.ErrorIs(t, err, store.ErrConflict, "pending commands cannot finish")

	_, err = s.ClaimCommands(ctx, "c1", 1, base)
	require.NoError(t, err)

	next := base.Add(time.Minute)
	failed, err := s.FinishCommand(ctx, "k1", store.CommandResult{
		Status:       models.CommandFailed,
		ErrorMessage: "pod not found",
		NextRetryAt:  &next,
		CompletedAt:  base.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, failed.Status)
	assert.Equal(t, "pod not found", failed.ErrorMessage)
	require.NotNil(t, failed.NextRetryAt)
	assert.WithinDuration(t, next, *failed.NextRetryAt, time.Millisecond)

	_, err = s.FinishCommand(ctx, "k1", store.CommandResult{Status: models.CommandCompleted, CompletedAt: base})
	assert.ErrorIs(t, err, store.ErrConflict, "a second report is refused")

	_, err = s.FinishCommand(ctx, "missing", store.CommandResult{Status: models.CommandCompleted, CompletedAt: base})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func failCommand(t *testing.T, s store.Store, id, cluster string, nextRetry *time.Time) {
	t.Helper()
	ctx := context.Background()
	claimed, err := s.ClaimCommands(ctx, cluster, 100, base)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)
	_, err = s.FinishCommand(ctx, id, store.CommandResult{
		Status:       models.CommandFailed,
		ErrorMessage: "boom",
		NextRetryAt:  nextRetry,
		CompletedAt:  base,
	})
	require.NoError(t, err)
}

func testCommandRearm(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, command("k1", "c1", base, 1)))
	due := base.Add(time.Minute)
	failCommand(t, s, "k1", "c1", &due)

	none, err := s.RetryableCommands(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "not due yet")

	ready, err := s.RetryableCommands(ctx, due, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	_, err = s.RearmCommand(ctx, "k1", 5)
	assert.ErrorIs(t, err, store.ErrConflict, "stale observation loses")

	rearmed, err := s.RearmCommand(ctx, "k1", 0)
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, rearmed.Status)
	assert.Equal(t, 1, rearmed.RetryCount)
	assert.Empty(t, rearmed.ErrorMessage)
	assert.Nil(t, rearmed.NextRetryAt)
	assert.Nil(t, rearmed.ExecutedAt)
	assert.Nil(t, rearmed.CompletedAt)

	// second failure exhausts max_retries=1
	failCommand(t, s, "k1", "c1", &due)
	ready, err = s.RetryableCommands(ctx, due.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "exhausted commands are never selected")
	_, err = s.RearmCommand(ctx, "k1", 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	final, err := s.GetCommand(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, final.Exhausted())
}

func testCommandStaleExecuting(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, command("k1", "c1", base, 3)))
	require.NoError(t, s.CreateCommand(ctx, command("k2", "c1", base.Add(time.Second), 3)))
	_, err := s.ClaimCommands(ctx, "c1", 1, base)
	require.NoError(t, err)
	_, err = s.ClaimCommands(ctx, "c1", 1, base.Add(30*time.Minute))
	require.NoError(t, err)

	stale, err := s.StaleExecuting(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "k1", stale[0].ID)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, s.CreateCommand(ctx, command(fmt.Sprintf("k%02d", i), "c1", base.Add(time.Duration(i)*time.Second), 3)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 10; round++ {
				claimed, err := s.ClaimCommands(ctx, "c1", 3, base)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, cmd := range claimed {
					seen[cmd.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "command %s claimed %d times", id, n)
	}
}

func testConcurrentRearm(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, command("k1", "c1", base, 3)))
	due := base
	failCommand(t, s, "k1", "c1", &due)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RearmCommand(ctx, "k1", 0); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	cmd, err := s.GetCommand(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.RetryCount)
	assert.Equal(t, models.CommandPending, cmd.Status)
}
