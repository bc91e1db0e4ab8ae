package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/approval"
	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/dispatch"
	"github.com/miradorstack/mirador-remediate/internal/ingest"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Ingest admits a telemetry batch on behalf of the agent holding token.
func (s *RemediationService) Ingest(ctx context.Context, token string, records []ingest.Record) (ingest.Result, error) {
	if s.Gate == nil {
		return ingest.Result{}, utils.NewAppError("services.Ingest", "ingestion is not configured", nil)
	}
	return s.Gate.Ingest(ctx, token, records)
}

// RegisterCluster creates a cluster with its default policy when it does not exist yet and
// issues a fresh agent credential for it. The raw token is only ever returned here.
func (s *RemediationService) RegisterCluster(ctx context.Context, clusterID, name string) (models.Cluster, string, error) {
	const op = "services.RegisterCluster"
	clusterID = strings.TrimSpace(clusterID)
	if clusterID == "" {
		return models.Cluster{}, "", utils.Validation(op, "cluster id is required")
	}
	if name == "" {
		name = clusterID
	}

	now := s.clock()
	cluster := models.Cluster{ID: clusterID, Name: name, CreatedAt: now}
	switch err := s.Store.CreateCluster(ctx, cluster); {
	case err == nil:
		pol := models.DefaultPolicy(clusterID, s.opts.DefaultApprovalTimeout, s.opts.DefaultScanInterval)
		pol.UpdatedAt = now
		pol.UpdatedBy = "system"
		if err := s.Store.PutPolicy(ctx, pol); err != nil {
			return models.Cluster{}, "", utils.Transient(op, "store default policy", err)
		}
		s.logger.Info("cluster registered", slog.String("cluster_id", clusterID))
	case errors.Is(err, store.ErrConflict):
		existing, getErr := s.Store.GetCluster(ctx, clusterID)
		if getErr != nil {
			return models.Cluster{}, "", utils.Transient(op, "load cluster", getErr)
		}
		cluster = existing
	default:
		return models.Cluster{}, "", utils.Transient(op, "create cluster", err)
	}

	token, err := auth.IssueCredential(ctx, s.Store, clusterID, s.clock)
	if err != nil {
		return models.Cluster{}, "", utils.Transient(op, "issue credential", err)
	}
	return cluster, token, nil
}

// ListClusters returns every registered cluster.
func (s *RemediationService) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	clusters, err := s.Store.ListClusters(ctx)
	if err != nil {
		return nil, utils.Transient("services.ListClusters", "list clusters", err)
	}
	return clusters, nil
}

// GetPolicy returns the cluster's policy, or the conservative default when none was stored.
func (s *RemediationService) GetPolicy(ctx context.Context, clusterID string) (models.Policy, error) {
	return s.policyFor(ctx, clusterID)
}

func (s *RemediationService) policyFor(ctx context.Context, clusterID string) (models.Policy, error) {
	const op = "services.GetPolicy"
	if _, err := s.Store.GetCluster(ctx, clusterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Policy{}, utils.NotFound(op, "unknown cluster "+clusterID)
		}
		return models.Policy{}, utils.Transient(op, "load cluster", err)
	}
	pol, err := s.Store.GetPolicy(ctx, clusterID)
	switch {
	case err == nil:
		return pol, nil
	case errors.Is(err, store.ErrNotFound):
		return models.DefaultPolicy(clusterID, s.opts.DefaultApprovalTimeout, s.opts.DefaultScanInterval), nil
	default:
		return models.Policy{}, utils.Transient(op, "load policy", err)
	}
}

// PolicyUpdate is an operator's replacement policy. Nil fields keep their current value.
type PolicyUpdate struct {
	Enabled           *bool           `json:"enabled"`
	CategoryAutoApply map[string]bool `json:"category_auto_apply"`
	SeverityThreshold *string         `json:"severity_threshold"`
	RequireApproval   *bool           `json:"require_approval"`
	ApprovalTimeout   *string         `json:"approval_timeout"`
	ScanInterval      *string         `json:"scan_interval"`
}

// UpdatePolicy applies an operator change to the cluster's policy.
func (s *RemediationService) UpdatePolicy(ctx context.Context, clusterID string, update PolicyUpdate, actor string) (models.Policy, error) {
	const op = "services.UpdatePolicy"
	pol, err := s.policyFor(ctx, clusterID)
	if err != nil {
		return models.Policy{}, err
	}

	if update.Enabled != nil {
		pol.Enabled = *update.Enabled
	}
	if update.CategoryAutoApply != nil {
		categories := make(map[string]bool, len(update.CategoryAutoApply))
		for category, on := range update.CategoryAutoApply {
			category = strings.ToLower(strings.TrimSpace(category))
			if category == "" {
				return models.Policy{}, utils.Validation(op, "category names must not be empty")
			}
			categories[category] = on
		}
		pol.CategoryAutoApply = categories
	}
	if update.SeverityThreshold != nil {
		sev, err := models.ParseSeverity(*update.SeverityThreshold)
		if err != nil {
			return models.Policy{}, utils.Validation(op, err.Error())
		}
		pol.SeverityThreshold = sev
	}
	if update.RequireApproval != nil {
		pol.RequireApproval = *update.RequireApproval
	}
	if update.ApprovalTimeout != nil {
		d, err := positiveDuration("approval_timeout", *update.ApprovalTimeout)
		if err != nil {
			return models.Policy{}, utils.Validation(op, err.Error())
		}
		pol.ApprovalTimeout = d
	}
	if update.ScanInterval != nil {
		d, err := positiveDuration("scan_interval", *update.ScanInterval)
		if err != nil {
			return models.Policy{}, utils.Validation(op, err.Error())
		}
		pol.ScanInterval = d
	}

	pol.UpdatedAt = s.clock()
	pol.UpdatedBy = actor
	if err := s.Store.PutPolicy(ctx, pol); err != nil {
		return models.Policy{}, utils.Transient(op, "store policy", err)
	}
	s.logger.Info("policy updated",
		slog.String("cluster_id", clusterID),
		slog.String("actor", actor),
		slog.Bool("enabled", pol.Enabled),
	)
	return pol, nil
}

func positiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// ListIssues returns a cluster's issues, newest first.
func (s *RemediationService) ListIssues(ctx context.Context, clusterID string, statuses []models.IssueStatus, limit int) ([]models.Issue, error) {
	const op = "services.ListIssues"
	for _, st := range statuses {
		if !st.Valid() {
			return nil, utils.Validation(op, fmt.Sprintf("unknown issue status %q", st))
		}
	}
	issues, err := s.Store.ListIssues(ctx, store.IssueFilter{ClusterID: clusterID, Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, utils.Transient(op, "list issues", err)
	}
	return issues, nil
}

// GetIssue returns one issue.
func (s *RemediationService) GetIssue(ctx context.Context, id string) (models.Issue, error) {
	issue, err := s.Store.GetIssue(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Issue{}, utils.NotFound("services.GetIssue", "unknown issue "+id)
		}
		return models.Issue{}, utils.Transient("services.GetIssue", "load issue", err)
	}
	return issue, nil
}

// humanTransitions lists, per target status, the statuses an operator may move an issue from.
var humanTransitions = map[models.IssueStatus][]models.IssueStatus{
	models.IssueInvestigating: {models.IssueActive},
	models.IssueActive:        {models.IssueInvestigating},
	models.IssueMitigated:     {models.IssueActive, models.IssueInvestigating},
	models.IssueFalsePositive: {models.IssueActive, models.IssueInvestigating},
}

// TransitionIssue applies an operator's status change.
func (s *RemediationService) TransitionIssue(ctx context.Context, id string, to models.IssueStatus, actor string) (models.Issue, error) {
	const op = "services.TransitionIssue"
	from, ok := humanTransitions[to]
	if !ok {
		return models.Issue{}, utils.Validation(op, fmt.Sprintf("cannot move an issue to %q", to))
	}
	if to == models.IssueActive {
		if err := s.checkReactivation(ctx, id); err != nil {
			return models.Issue{}, err
		}
	}
	issue, err := s.Store.TransitionIssue(ctx, id, from, to, s.clock())
	switch {
	case err == nil:
		s.logger.Info("issue transitioned",
			slog.String("issue_id", id),
			slog.String("status", string(to)),
			slog.String("actor", actor),
		)
		return issue, nil
	case errors.Is(err, store.ErrNotFound):
		return models.Issue{}, utils.NotFound(op, "unknown issue "+id)
	case errors.Is(err, store.ErrConflict):
		current, getErr := s.Store.GetIssue(ctx, id)
		if getErr != nil {
			return models.Issue{}, utils.Transient(op, "load issue", getErr)
		}
		if current.Status == to {
			return current, nil
		}
		return models.Issue{}, utils.NewKindError(utils.KindConflict, op, fmt.Sprintf("issue is %s, cannot move to %s", current.Status, to), nil)
	default:
		return models.Issue{}, utils.Transient(op, "transition issue", err)
	}
}

// checkReactivation refuses to reactivate an issue while another active issue carries its
// dedup key, so a key never has two active issues.
func (s *RemediationService) checkReactivation(ctx context.Context, id string) error {
	const op = "services.TransitionIssue"
	issue, err := s.Store.GetIssue(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.NotFound(op, "unknown issue "+id)
		}
		return utils.Transient(op, "load issue", err)
	}
	if issue.Status == models.IssueActive {
		return nil
	}
	active, err := s.Store.ListIssues(ctx, store.IssueFilter{ClusterID: issue.ClusterID, Statuses: []models.IssueStatus{models.IssueActive}})
	if err != nil {
		return utils.Transient(op, "list active issues", err)
	}
	for _, other := range active {
		if other.ID != issue.ID && other.DedupKey == issue.DedupKey {
			conflict := utils.NewKindError(utils.KindConflict, op, "issue "+other.ID+" is already active for the same resource and kind", nil)
			conflict.Details = map[string]any{"active_issue_id": other.ID}
			return conflict
		}
	}
	return nil
}

// ListCommands returns commands matching filter, newest first.
func (s *RemediationService) ListCommands(ctx context.Context, filter store.CommandFilter) ([]models.RemediationCommand, error) {
	cmds, err := s.Store.ListCommands(ctx, filter)
	if err != nil {
		return nil, utils.Transient("services.ListCommands", "list commands", err)
	}
	return cmds, nil
}

// GetApproval returns one approval request with lazy expiry applied.
func (s *RemediationService) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	return s.Approvals.Get(ctx, id)
}

// ListApprovals returns approval requests with lazy expiry applied.
func (s *RemediationService) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]models.ApprovalRequest, error) {
	return s.Approvals.List(ctx, filter)
}

// RespondApproval records a human answer.
func (s *RemediationService) RespondApproval(ctx context.Context, in approval.RespondInput) (models.ApprovalRequest, error) {
	return s.Approvals.Respond(ctx, in)
}

// AuthenticateAgent resolves an agent token to the credential it belongs to.
func (s *RemediationService) AuthenticateAgent(ctx context.Context, token string) (models.Credential, error) {
	if s.Agents == nil {
		return models.Credential{}, utils.NewAppError("services.AuthenticateAgent", "agent authentication is not configured", nil)
	}
	return s.Agents.Verify(ctx, token)
}

// FetchCommands hands up to limit pending commands to the agent holding token.
func (s *RemediationService) FetchCommands(ctx context.Context, token string, limit int) ([]models.RemediationCommand, error) {
	cred, err := s.AuthenticateAgent(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Dispatcher.Fetch(ctx, cred.ClusterID, limit)
}

// ReportResult records the outcome reported by the agent holding token.
func (s *RemediationService) ReportResult(ctx context.Context, token, commandID string, report dispatch.Report) (models.RemediationCommand, error) {
	cred, err := s.AuthenticateAgent(ctx, token)
	if err != nil {
		return models.RemediationCommand{}, err
	}
	return s.Dispatcher.Report(ctx, cred.ClusterID, commandID, report)
}

// SweepRetries runs one retry sweep.
func (s *RemediationService) SweepRetries(ctx context.Context) (dispatch.SweepResult, error) {
	return s.Dispatcher.Sweep(ctx)
}

// SweepApprovals runs one approval sweep.
func (s *RemediationService) SweepApprovals(ctx context.Context) (approval.SweepResult, error) {
	return s.Approvals.Sweep(ctx)
}

// PruneTelemetry drops telemetry older than the retention period.
func (s *RemediationService) PruneTelemetry(ctx context.Context) (int, error) {
	pruned, err := s.Store.PruneTelemetry(ctx, s.clock().Add(-s.opts.TelemetryRetention))
	if err != nil {
		return 0, utils.Transient("services.PruneTelemetry", "prune telemetry", err)
	}
	if pruned > 0 {
		s.logger.Info("telemetry pruned", slog.Int("records", pruned))
	}
	return pruned, nil
}
