package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	workflow *Workflow
	store    *badgerstore.Store
	recorder *notify.Recorder
	now      *time.Time
}

func newFixture(t *testing.T, enqueuer Enqueuer) fixture {
	t.Helper()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := start
	clock := func() time.Time { return now }
	rec := &notify.Recorder{}
	if enqueuer == nil {
		enqueuer = dispatch.NewDispatcher(s, s, rec, dispatch.Options{MaxRetries: 3, Clock: clock, Logger: utils.DiscardLogger()})
	}
	w := NewWorkflow(s, enqueuer, rec, Options{DefaultTimeout: 15 * time.Minute, Clock: clock, Logger: utils.DiscardLogger()})
	return fixture{workflow: w, store: s, recorder: rec, now: &now}
}

func (f fixture) request(t *testing.T, issueID string) models.ApprovalRequest {
	t.Helper()
	req, created, err := f.workflow.Request(context.Background(), RequestInput{
		ClusterID:    "c1",
		IssueID:      issueID,
		ActionType:   "restart_pod",
		ActionParams: map[string]string{"namespace": "shop", "pod": "api-1"},
	})
	require.NoError(t, err)
	require.True(t, created)
	return req
}

func (f fixture) commands(t *testing.T) []models.RemediationCommand {
	t.Helper()
	cmds, err := f.store.ListCommands(context.Background(), store.CommandFilter{ClusterID: "c1"})
	require.NoError(t, err)
	return cmds
}

func TestRequestSinglePending(t *testing.T) {
	f := newFixture(t, nil)
	first := f.request(t, "i1")
	assert.Equal(t, models.ApprovalPending, first.Status)
	assert.Equal(t, start.Add(15*time.Minute), first.ExpiresAt)
	assert.Len(t, f.recorder.OfType(notify.EventApprovalRequested), 1)

	second, created, err := f.workflow.Request(context.Background(), RequestInput{ClusterID: "c1", IssueID: "i1", ActionType: "restart_pod"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.recorder.OfType(notify.EventApprovalRequested), 1)

	*f.now = start.Add(16 * time.Minute)
	third, created, err := f.workflow.Request(context.Background(), RequestInput{ClusterID: "c1", IssueID: "i1", ActionType: "restart_pod", Timeout: time.Minute})
	require.NoError(t, err)
	assert.True(t, created, "an expired request does not block a new one")
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, f.now.Add(time.Minute), third.ExpiresAt)

	_, _, err = f.workflow.Request(context.Background(), RequestInput{ClusterID: "c1"})
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

// lostInsertRace stores a competing pending request first and then reports the unique-key
// conflict the SQL backend returns to the losing transaction.
type lostInsertRace struct {
	store.ApprovalStore
	winner models.ApprovalRequest
}

func (r lostInsertRace) CreateApproval(ctx context.Context, _ models.ApprovalRequest, now time.Time) (models.ApprovalRequest, bool, error) {
	if _, _, err := r.ApprovalStore.CreateApproval(ctx, r.winner, now); err != nil {
		return models.ApprovalRequest{}, false, err
	}
	return models.ApprovalRequest{}, false, store.ErrConflict
}

func TestRequestLosingInsertRaceReturnsWinner(t *testing.T) {
	f := newFixture(t, nil)
	winner := models.ApprovalRequest{
		ID:           "winner",
		ClusterID:    "c1",
		IssueID:      "i1",
		ActionType:   "restart_pod",
		ActionParams: map[string]string{},
		Status:       models.ApprovalPending,
		CreatedAt:    start,
		ExpiresAt:    start.Add(15 * time.Minute),
	}
	rec := &notify.Recorder{}
	w := NewWorkflow(lostInsertRace{ApprovalStore: f.store, winner: winner}, nil, rec, Options{
		Clock:  func() time.Time { return start },
		Logger: utils.DiscardLogger(),
	})

	req, created, err := w.Request(context.Background(), RequestInput{ClusterID: "c1", IssueID: "i1", ActionType: "restart_pod"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", req.ID)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Empty(t, rec.OfType(notify.EventApprovalRequested), "only the winner announces the request")
}

func TestApproveCreatesExactlyOneCommand(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, "i1")

	*f.now = start.Add(5 * time.Minute)
	got, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelSlack, Responder: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, got.Status)
	assert.Equal(t, models.ChannelSlack, got.ResponderChannel)
	assert.Equal(t, "alice", got.Responder)
	require.NotNil(t, got.RespondedAt)
	assert.Equal(t, CommandID(req.ID), got.CommandID)

	cmds := f.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandPending, cmds[0].Status)
	assert.Equal(t, "c1", cmds[0].ClusterID)
	assert.Equal(t, req.ActionParams, cmds[0].Params)
	assert.Equal(t, req.ID, cmds[0].ApprovalID)
	assert.Equal(t, "i1", cmds[0].IssueID)

	again, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelWeb})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, again.Status)
	assert.Equal(t, models.ChannelSlack, again.ResponderChannel, "second response does not overwrite the first")

	rejected, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionReject, Channel: models.ChannelWeb})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, rejected.Status)
	assert.Len(t, f.commands(t), 1)
}

func TestRejectCreatesNoCommand(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, "i1")

	got, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionReject, Channel: models.ChannelCLI})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, got.Status)
	assert.Empty(t, f.commands(t))

	approved, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelCLI})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, approved.Status)
	assert.Empty(t, f.commands(t))
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, "i1")
	f.request(t, "i2")

	*f.now = start.Add(15 * time.Minute)
	got, err := f.workflow.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, got.Status, "expiry is exclusive of expires_at")

	*f.now = start.Add(15*time.Minute + time.Second)
	got, err = f.workflow.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, got.Status)

	pending, err := f.workflow.List(context.Background(), store.ApprovalFilter{ClusterID: "c1", Status: models.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	expired, err := f.workflow.List(context.Background(), store.ApprovalFilter{ClusterID: "c1", Status: models.ApprovalExpired, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	late, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelWeb})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, late.Status)
	assert.Empty(t, f.commands(t))

	stored, err := f.store.GetApproval(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, stored.Status, "lazy expiry is persisted")
}

func TestSweepExpiresAndRedrives(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	stale := f.request(t, "i1")
	stuck := f.request(t, "i2")

	_, err := f.store.TransitionApproval(ctx, stuck.ID, models.ApprovalPending, store.ApprovalUpdate{
		Status:      models.ApprovalApproved,
		RespondedAt: utils.TimePtr(start),
		Channel:     models.ChannelAPI,
	})
	require.NoError(t, err)

	*f.now = start.Add(20 * time.Minute)
	res, err := f.workflow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Redriven: 1}, res)

	got, err := f.store.GetApproval(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, got.Status)

	got, err = f.store.GetApproval(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, got.Status)
	assert.Len(t, f.commands(t), 1)

	res, err = f.workflow.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

type flakyEnqueuer struct {
	mu    sync.Mutex
	fail  bool
	inner Enqueuer
}

func (e *flakyEnqueuer) Enqueue(ctx context.Context, spec dispatch.Spec) (models.RemediationCommand, bool, error) {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return models.RemediationCommand{}, false, errors.New("store unavailable")
	}
	return e.inner.Enqueue(ctx, spec)
}

func TestApproveWithUnavailableQueueIsRetryable(t *testing.T) {
	flaky := &flakyEnqueuer{fail: true}
	f := newFixture(t, flaky)
	flaky.inner = dispatch.NewDispatcher(f.store, f.store, nil, dispatch.Options{MaxRetries: 3, Logger: utils.DiscardLogger()})
	req := f.request(t, "i1")

	_, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelWeb})
	require.Error(t, err)
	assert.Equal(t, utils.KindTransient, utils.KindOf(err))

	got, err := f.store.GetApproval(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)

	flaky.mu.Lock()
	flaky.fail = false
	flaky.mu.Unlock()

	retried, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelWeb})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, retried.Status)
	assert.Len(t, f.commands(t), 1)
}

func TestConcurrentApprovals(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, "i1")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: models.ChannelAPI})
			if assert.NoError(t, err) {
				assert.Contains(t, []models.ApprovalStatus{models.ApprovalApproved, models.ApprovalExecuted}, got.Status)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, f.commands(t), 1)
	got, err := f.workflow.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExecuted, got.Status)
}

func TestRespondValidation(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(t, "i1")

	_, err := f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: "maybe", Channel: models.ChannelWeb})
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))

	_, err = f.workflow.Respond(context.Background(), RespondInput{ID: req.ID, Decision: models.DecisionApprove, Channel: "email"})
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))

	_, err = f.workflow.Respond(context.Background(), RespondInput{ID: "missing", Decision: models.DecisionApprove, Channel: models.ChannelWeb})
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))

	_, err = f.workflow.Get(context.Background(), "missing")
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))
}
