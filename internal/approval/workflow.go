// Package approval runs the bounded-lifetime human confirmation that precedes a remediation
// when policy demands it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// commandNamespace seeds command ids derived from approval ids.
var commandNamespace = uuid.MustParse("6f1c7d0e-3b8a-5d2e-9a41-0c2b7e5f8d13")

// CommandID is the id of the command created for an approved request. It is a pure function
// of the approval id, so re-driving an approval can never create a second command.
func CommandID(approvalID string) string {
	return uuid.NewSHA1(commandNamespace, []byte(approvalID)).String()
}

// Enqueuer creates remediation commands.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec dispatch.Spec) (models.RemediationCommand, bool, error)
}

// Options tunes the workflow.
type Options struct {
	DefaultTimeout time.Duration
	Clock          utils.Clock
	Logger         *slog.Logger
}

// Workflow owns ApprovalRequest state transitions.
type Workflow struct {
	approvals store.ApprovalStore
	commands  Enqueuer
	notifier  notify.Notifier
	timeout   time.Duration
	clock     utils.Clock
	logger    *slog.Logger
}

// NewWorkflow wires a Workflow.
func NewWorkflow(approvals store.ApprovalStore, commands Enqueuer, notifier notify.Notifier, opts Options) *Workflow {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		approvals: approvals,
		commands:  commands,
		notifier:  notifier,
		timeout:   timeout,
		clock:     opts.Clock.OrSystem(),
		logger:    logger,
	}
}

// RequestInput describes the action awaiting confirmation.
type RequestInput struct {
	ClusterID    string
	IssueID      string
	ActionType   string
	ActionParams map[string]string
	Timeout      time.Duration
}

// Request opens a pending approval. While one is pending for the same cluster and issue, that
// one is returned with created=false.
func (w *Workflow) Request(ctx context.Context, in RequestInput) (models.ApprovalRequest, bool, error) {
	const op = "approval.Request"
	if in.ClusterID == "" || in.IssueID == "" || in.ActionType == "" {
		return models.ApprovalRequest{}, false, utils.Validation(op, "cluster_id, issue_id and action_type are required")
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	params := in.ActionParams
	if params == nil {
		params = map[string]string{}
	}

	now := w.clock()
	req := models.ApprovalRequest{
		ID:           uuid.NewString(),
		ClusterID:    in.ClusterID,
		IssueID:      in.IssueID,
		ActionType:   in.ActionType,
		ActionParams: params,
		Status:       models.ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	stored, created, err := w.approvals.CreateApproval(ctx, req, now)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent request won the pending slot.
		stored, err = w.livePending(ctx, in.ClusterID, in.IssueID, now)
		if err != nil {
			return models.ApprovalRequest{}, false, err
		}
		return stored, false, nil
	}
	if err != nil {
		return models.ApprovalRequest{}, false, utils.Transient(op, "create approval request", err)
	}
	if !created {
		return stored, false, nil
	}

	metrics.ApprovalTransition(string(models.ApprovalPending))
	notify.Send(ctx, w.notifier, w.logger, notify.Event{
		Type:      notify.EventApprovalRequested,
		ClusterID: stored.ClusterID,
		SubjectID: stored.ID,
		Message:   fmt.Sprintf("approve %s for issue %s before %s", stored.ActionType, stored.IssueID, utils.FormatTimestamp(stored.ExpiresAt)),
		Attributes: map[string]string{
			"issue_id":    stored.IssueID,
			"action_type": stored.ActionType,
			"expires_at":  utils.FormatTimestamp(stored.ExpiresAt),
		},
		OccurredAt: now,
	})
	return stored, true, nil
}

func (w *Workflow) livePending(ctx context.Context, clusterID, issueID string, now time.Time) (models.ApprovalRequest, error) {
	const op = "approval.Request"
	reqs, err := w.approvals.ListApprovals(ctx, store.ApprovalFilter{ClusterID: clusterID, IssueID: issueID, Status: models.ApprovalPending})
	if err != nil {
		return models.ApprovalRequest{}, utils.Transient(op, "load pending approval", err)
	}
	for _, req := range reqs {
		if now.Before(req.ExpiresAt) {
			return req, nil
		}
	}
	return models.ApprovalRequest{}, utils.NewKindError(utils.KindConflict, op, "approval request for issue "+issueID+" changed concurrently", nil)
}

// Get returns a request with lazy expiry applied.
func (w *Workflow) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	const op = "approval.Get"
	req, err := w.approvals.GetApproval(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ApprovalRequest{}, utils.NotFound(op, "unknown approval "+id)
		}
		return models.ApprovalRequest{}, utils.Transient(op, "load approval", err)
	}
	return w.effective(ctx, req, w.clock()), nil
}

// List returns requests with lazy expiry applied; a pending or expired status filter matches
// the effective status.
func (w *Workflow) List(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error) {
	const op = "approval.List"
	want := filter.Status
	limit := filter.Limit
	if want == models.ApprovalPending || want == models.ApprovalExpired {
		filter.Status = ""
		filter.Limit = 0
	}
	reqs, err := w.approvals.ListApprovals(ctx, filter)
	if err != nil {
		return nil, utils.Transient(op, "list approvals", err)
	}

	now := w.clock()
	out := make([]models.ApprovalRequest, 0, len(reqs))
	for _, req := range reqs {
		eff := w.effective(ctx, req, now)
		if want != "" && eff.Status != want {
			continue
		}
		out = append(out, eff)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// effective reports a stale pending request as expired and persists that on a best-effort basis.
func (w *Workflow) effective(ctx context.Context, req models.ApprovalRequest, now time.Time) models.ApprovalRequest {
	eff := req.Effective(now)
	if eff.Status == req.Status {
		return eff
	}
	if _, err := w.approvals.TransitionApproval(ctx, req.ID, models.ApprovalPending, store.ApprovalUpdate{Status: models.ApprovalExpired}); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			w.logger.Warn("persist lazy expiry", slog.String("approval_id", req.ID), slog.Any("error", err))
		}
	} else {
		metrics.ApprovalTransition(string(models.ApprovalExpired))
	}
	return eff
}

// RespondInput is one human answer.
type RespondInput struct {
	ID        string
	Decision  models.Decision
	Channel   models.ResponseChannel
	Responder string
}

// Respond records the first answer to a pending request. Answers to terminal requests are
// no-ops that return the terminal state. An approval creates the remediation command before
// Respond returns.
func (w *Workflow) Respond(ctx context.Context, in RespondInput) (models.ApprovalRequest, error) {
	const op = "approval.Respond"
	if in.Decision != models.DecisionApprove && in.Decision != models.DecisionReject {
		return models.ApprovalRequest{}, utils.Validation(op, "decision must be approve or reject")
	}
	if _, err := models.ParseResponseChannel(string(in.Channel)); err != nil {
		return models.ApprovalRequest{}, utils.Validation(op, err.Error())
	}

	for attempt := 0; attempt < 3; attempt++ {
		req, err := w.approvals.GetApproval(ctx, in.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.ApprovalRequest{}, utils.NotFound(op, "unknown approval "+in.ID)
			}
			return models.ApprovalRequest{}, utils.Transient(op, "load approval", err)
		}

		now := w.clock()
		switch {
		case req.Status.Terminal():
			return req, nil
		case req.Status == models.ApprovalApproved:
			return w.dispatch(ctx, req)
		case now.After(req.ExpiresAt):
			return w.effective(ctx, req, now), nil
		}

		target := models.ApprovalRejected
		if in.Decision == models.DecisionApprove {
			target = models.ApprovalApproved
		}
		updated, err := w.approvals.TransitionApproval(ctx, req.ID, models.ApprovalPending, store.ApprovalUpdate{
			Status:      target,
			RespondedAt: utils.TimePtr(now),
			Channel:     in.Channel,
			Responder:   in.Responder,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return models.ApprovalRequest{}, utils.Transient(op, "record response", err)
		}
		metrics.ApprovalTransition(string(target))
		w.logger.Info("approval answered",
			slog.String("approval_id", updated.ID),
			slog.String("decision", string(in.Decision)),
			slog.String("channel", string(in.Channel)),
		)
		if target == models.ApprovalRejected {
			return updated, nil
		}
		return w.dispatch(ctx, updated)
	}
	return models.ApprovalRequest{}, utils.NewKindError(utils.KindConflict, op, "approval changed concurrently, retry", store.ErrConflict)
}

// dispatch creates the command for an approved request and marks it executed. It is safe to
// repeat: the command id is derived from the approval id.
func (w *Workflow) dispatch(ctx context.Context, req models.ApprovalRequest) (models.ApprovalRequest, error) {
	const op = "approval.dispatch"
	cmd, _, err := w.commands.Enqueue(ctx, dispatch.Spec{
		ID:          CommandID(req.ID),
		ClusterID:   req.ClusterID,
		IssueID:     req.IssueID,
		ApprovalID:  req.ID,
		CommandType: req.ActionType,
		Params:      req.ActionParams,
	})
	if err != nil {
		return req, utils.Transient(op, "create command for approval "+req.ID, err)
	}

	executed, err := w.approvals.TransitionApproval(ctx, req.ID, models.ApprovalApproved, store.ApprovalUpdate{
		Status:    models.ApprovalExecuted,
		CommandID: cmd.ID,
	})
	if errors.Is(err, store.ErrConflict) {
		current, getErr := w.approvals.GetApproval(ctx, req.ID)
		if getErr != nil {
			return req, utils.Transient(op, "reload approval", getErr)
		}
		return current, nil
	}
	if err != nil {
		return req, utils.Transient(op, "mark approval executed", err)
	}
	metrics.ApprovalTransition(string(models.ApprovalExecuted))
	return executed, nil
}

// SweepResult tallies one approval sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Redriven int `json:"redriven"`
}

// Sweep expires stale pending requests and re-drives approved requests whose command was
// never recorded.
func (w *Workflow) Sweep(ctx context.Context) (SweepResult, error) {
	const op = "approval.Sweep"
	var res SweepResult

	expired, err := w.approvals.ExpireApprovals(ctx, w.clock())
	if err != nil {
		return res, utils.Transient(op, "expire approvals", err)
	}
	res.Expired = expired
	for i := 0; i < expired; i++ {
		metrics.ApprovalTransition(string(models.ApprovalExpired))
	}

	stuck, err := w.approvals.ListApprovals(ctx, store.ApprovalFilter{Status: models.ApprovalApproved})
	if err != nil {
		return res, utils.Transient(op, "list approved requests", err)
	}
	for _, req := range stuck {
		if _, err := w.dispatch(ctx, req); err != nil {
			w.logger.Warn("re-drive approval", slog.String("approval_id", req.ID), slog.Any("error", err))
			continue
		}
		res.Redriven++
	}
	if res.Expired+res.Redriven > 0 {
		w.logger.Info("approval sweep finished", slog.Int("expired", res.Expired), slog.Int("redriven", res.Redriven))
	}
	return res, nil
}
