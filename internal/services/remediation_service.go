// Package services is the facade the transports and the scheduler call into. It strings the
// detection, policy, approval and dispatch components together.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/detect"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/ingest"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/policy"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// issueCommandNamespace seeds ids of commands dispatched straight from the policy gate.
var issueCommandNamespace = uuid.MustParse("2b9e4c61-7a0d-5f38-b1c4-83d5e6f0a927")

// IssueCommandID is the id of the command dispatched for an issue without approval. Gating the
// same issue twice therefore yields the same command.
func IssueCommandID(issueID, commandType string) string {
	return uuid.NewSHA1(issueCommandNamespace, []byte(issueID+"/"+commandType)).String()
}

// Components are the collaborators of a RemediationService. Gate and Agents may be nil for
// processes that never serve agents, such as one-shot CLI sweeps.
type Components struct {
	Store      store.Store
	Gate       *ingest.Gate
	Agents     ingest.Authenticator
	Detector   *detect.Detector
	Planner    *policy.Planner
	Approvals  *approval.Workflow
	Dispatcher *dispatch.Dispatcher
}

// Options tunes the service.
type Options struct {
	DefaultApprovalTimeout time.Duration
	DefaultScanInterval    time.Duration
	TelemetryRetention     time.Duration
	Clock                  utils.Clock
	Logger                 *slog.Logger
}

// RemediationService implements every operation exposed over HTTP, gRPC and the CLI.
type RemediationService struct {
	Components

	opts      Options
	clock     utils.Clock
	logger    *slog.Logger
	latencies *utils.LatencyTracker
	miner     *patterns.Miner
}

// NewRemediationService constructs the facade.
func NewRemediationService(c Components, opts Options) *RemediationService {
	if opts.DefaultApprovalTimeout <= 0 {
		opts.DefaultApprovalTimeout = 15 * time.Minute
	}
	if opts.DefaultScanInterval <= 0 {
		opts.DefaultScanInterval = 5 * time.Minute
	}
	if opts.TelemetryRetention <= 0 {
		opts.TelemetryRetention = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemediationService{
		Components: c,
		opts:       opts,
		clock:      opts.Clock.OrSystem(),
		logger:     logger,
		latencies:  utils.NewLatencyTracker(1024),
		miner:      patterns.NewMiner(logger.With(slog.String("component", "patterns")), c.Store),
	}
}

// Action records what the policy gate did with one issue.
type Action struct {
	IssueID    string         `json:"issue_id"`
	Outcome    policy.Outcome `json:"outcome,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	CommandID  string         `json:"command_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AnalysisResult is returned by Analyze.
type AnalysisResult struct {
	ClusterID   string         `json:"cluster_id"`
	IssuesFound int            `json:"issues_found"`
	Issues      []models.Issue `json:"issues"`
	Suppressed  int            `json:"suppressed"`
	Skipped     bool           `json:"skipped"`
	Summary     string         `json:"summary"`
	Actions     []Action       `json:"actions,omitempty"`
}

// Analyze runs detection for a cluster and passes every newly inserted issue through the
// policy gate.
func (s *RemediationService) Analyze(ctx context.Context, clusterID string, force bool) (AnalysisResult, error) {
	start := time.Now()
	res, err := s.Detector.Analyze(ctx, clusterID, force)
	if err != nil {
		return AnalysisResult{}, err
	}
	out := AnalysisResult{
		ClusterID:   clusterID,
		IssuesFound: len(res.Issues),
		Issues:      res.Issues,
		Suppressed:  res.Suppressed,
		Skipped:     res.Skipped,
		Summary:     res.Summary,
	}
	if out.Issues == nil {
		out.Issues = []models.Issue{}
	}
	if res.Skipped {
		return out, nil
	}

	if len(res.Issues) > 0 {
		pol, err := s.policyFor(ctx, clusterID)
		for _, issue := range res.Issues {
			if err != nil {
				out.Actions = append(out.Actions, Action{IssueID: issue.ID, Error: err.Error()})
				continue
			}
			act, gateErr := s.gate(ctx, issue, pol, true)
			if gateErr != nil {
				s.logger.Warn("policy gate failed", slog.String("issue_id", issue.ID), slog.Any("error", gateErr))
				act.Error = gateErr.Error()
			}
			out.Actions = append(out.Actions, act)
		}
	}

	s.latencies.Observe(time.Since(start))
	if total := s.latencies.Total(); total%20 == 0 {
		s.logger.Info("analysis latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", s.latencies.Count()),
		)
	}
	return out, nil
}

// Remediate passes one existing issue through the policy gate again. It is how an operator
// re-drives an issue whose first hand-off failed.
func (s *RemediationService) Remediate(ctx context.Context, issueID string) (Action, error) {
	const op = "services.Remediate"
	issue, err := s.Store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Action{}, utils.NotFound(op, "unknown issue "+issueID)
		}
		return Action{}, utils.Transient(op, "load issue", err)
	}
	pol, err := s.policyFor(ctx, issue.ClusterID)
	if err != nil {
		return Action{}, err
	}
	return s.gate(ctx, issue, pol, true)
}

// Reconcile re-gates active issues of a cluster that have neither a command nor an approval
// request, which is what a transient failure during hand-off leaves behind. It returns the
// number of issues that now have one.
func (s *RemediationService) Reconcile(ctx context.Context, clusterID string) (int, error) {
	const op = "services.Reconcile"
	active, err := s.Store.ListIssues(ctx, store.IssueFilter{
		ClusterID: clusterID,
		Statuses:  []models.IssueStatus{models.IssueActive},
	})
	if err != nil {
		return 0, utils.Transient(op, "list active issues", err)
	}
	if len(active) == 0 {
		return 0, nil
	}
	pol, err := s.policyFor(ctx, clusterID)
	if err != nil {
		return 0, err
	}
	if !pol.Enabled {
		return 0, nil
	}

	handled := 0
	for _, issue := range active {
		orphan, err := s.orphaned(ctx, issue)
		if err != nil {
			return handled, utils.Transient(op, "inspect issue "+issue.ID, err)
		}
		if !orphan {
			continue
		}
		act, err := s.gate(ctx, issue, pol, false)
		if err != nil {
			s.logger.Warn("reconcile issue", slog.String("issue_id", issue.ID), slog.Any("error", err))
			continue
		}
		if act.CommandID != "" || act.ApprovalID != "" {
			handled++
		}
	}
	return handled, nil
}

func (s *RemediationService) orphaned(ctx context.Context, issue models.Issue) (bool, error) {
	cmds, err := s.Store.ListCommands(ctx, store.CommandFilter{ClusterID: issue.ClusterID, IssueID: issue.ID, Limit: 1})
	if err != nil || len(cmds) > 0 {
		return false, err
	}
	reqs, err := s.Store.ListApprovals(ctx, store.ApprovalFilter{ClusterID: issue.ClusterID, IssueID: issue.ID, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(reqs) == 0, nil
}

// gate decides and, when the decision calls for it, hands the issue to the dispatcher or the
// approval workflow. record controls whether the decision is counted.
func (s *RemediationService) gate(ctx context.Context, issue models.Issue, pol models.Policy, record bool) (Action, error) {
	plan, _ := s.Planner.Plan(issue)
	decision := policy.Decide(issue, pol, plan)
	if record || decision.Outcome != policy.OutcomeIgnore {
		metrics.PolicyDecision(string(decision.Outcome))
	}
	act := Action{IssueID: issue.ID, Outcome: decision.Outcome, Reason: decision.Reason}

	switch decision.Outcome {
	case policy.OutcomeDispatch:
		cmd, _, err := s.Dispatcher.Enqueue(ctx, dispatch.Spec{
			ID:          IssueCommandID(issue.ID, plan.CommandType),
			ClusterID:   issue.ClusterID,
			IssueID:     issue.ID,
			CommandType: plan.CommandType,
			Params:      plan.Params,
		})
		if err != nil {
			return act, err
		}
		act.CommandID = cmd.ID
	case policy.OutcomeApproval:
		req, _, err := s.Approvals.Request(ctx, approval.RequestInput{
			ClusterID:    issue.ClusterID,
			IssueID:      issue.ID,
			ActionType:   plan.CommandType,
			ActionParams: plan.Params,
			Timeout:      pol.ApprovalTimeout,
		})
		if err != nil {
			return act, err
		}
		act.ApprovalID = req.ID
	}

	s.logger.Debug("policy decision",
		slog.String("issue_id", issue.ID),
		slog.String("outcome", string(decision.Outcome)),
		slog.String("reason", decision.Reason),
	)
	return act, nil
}
