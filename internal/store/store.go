// Package store defines the durable state behind the remediation engine. Every state
// transition is a conditional update: it succeeds only when the row is still in the
// status the caller observed, and reports ErrConflict otherwise.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update lost against another writer
	// or a uniqueness constraint was violated.
	ErrConflict = errors.New("store: conflict")
)

// IssueFilter narrows ListIssues. Zero values match everything.
type IssueFilter struct {
	ClusterID string
	Statuses  []models.IssueStatus
	Since     time.Time
	Limit     int
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	ClusterID string
	IssueID   string
	Status    models.ApprovalStatus
	Limit     int
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	ClusterID  string
	IssueID    string
	ApprovalID string
	Status     models.CommandStatus
	Limit      int
}

// ApprovalUpdate carries the fields written by TransitionApproval. Empty fields are left untouched.
type ApprovalUpdate struct {
	Status      models.ApprovalStatus
	RespondedAt *time.Time
	Channel     models.ResponseChannel
	Responder   string
	CommandID   string
}

// CommandResult carries the fields written when an executing command finishes.
type CommandResult struct {
	Status       models.CommandStatus
	Result       string
	ErrorMessage string
	NextRetryAt  *time.Time
	CompletedAt  time.Time
}

// ClusterStore persists connected clusters and their credentials.
type ClusterStore interface {
	CreateCluster(ctx context.Context, cluster models.Cluster) error
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	ListClusters(ctx context.Context) ([]models.Cluster, error)
	TouchCluster(ctx context.Context, id string, at time.Time) error

	PutCredential(ctx context.Context, cred models.Credential) error
	GetCredential(ctx context.Context, tokenHash string) (models.Credential, error)
	TouchCredential(ctx context.Context, tokenHash string, at time.Time) error
}

// TelemetryStore persists immutable telemetry records.
type TelemetryStore interface {
	// AppendTelemetry stores all records or none.
	AppendTelemetry(ctx context.Context, records []models.TelemetryRecord) error
	// ListTelemetry returns records collected in [since, until], oldest first.
	ListTelemetry(ctx context.Context, clusterID string, since, until time.Time, limit int) ([]models.TelemetryRecord, error)
	// PruneTelemetry deletes records collected before the cut-off and returns how many went.
	PruneTelemetry(ctx context.Context, before time.Time) (int, error)
}

// IssueStore persists detected issues.
type IssueStore interface {
	InsertIssue(ctx context.Context, issue models.Issue) error
	GetIssue(ctx context.Context, id string) (models.Issue, error)
	// ListIssues returns matching issues, newest first.
	ListIssues(ctx context.Context, filter IssueFilter) ([]models.Issue, error)
	// TransitionIssue moves an issue to status when its current status is one of from.
	TransitionIssue(ctx context.Context, id string, from []models.IssueStatus, to models.IssueStatus, at time.Time) (models.Issue, error)
}

// PolicyStore persists one policy per cluster.
type PolicyStore interface {
	GetPolicy(ctx context.Context, clusterID string) (models.Policy, error)
	PutPolicy(ctx context.Context, policy models.Policy) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	// CreateApproval inserts req unless a live pending request already exists for the same
	// cluster and issue, in which case that request is returned with created=false. A pending
	// request already past its deadline at now is expired first and does not block.
	CreateApproval(ctx context.Context, req models.ApprovalRequest, now time.Time) (stored models.ApprovalRequest, created bool, err error)
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	// ListApprovals returns matching requests, newest first. Status matches the stored value.
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]models.ApprovalRequest, error)
	// TransitionApproval applies update when the current status equals from.
	TransitionApproval(ctx context.Context, id string, from models.ApprovalStatus, update ApprovalUpdate) (models.ApprovalRequest, error)
	// ExpireApprovals flips every pending request whose deadline is before now.
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
}

// CommandStore persists remediation commands.
type CommandStore interface {
	// CreateCommand inserts cmd; an existing id yields ErrConflict.
	CreateCommand(ctx context.Context, cmd models.RemediationCommand) error
	GetCommand(ctx context.Context, id string) (models.RemediationCommand, error)
	// ListCommands returns matching commands, newest first.
	ListCommands(ctx context.Context, filter CommandFilter) ([]models.RemediationCommand, error)
	// ClaimCommands moves up to limit pending commands of a cluster to executing, oldest first.
	ClaimCommands(ctx context.Context, clusterID string, limit int, now time.Time) ([]models.RemediationCommand, error)
	// FinishCommand applies result when the command is still executing.
	FinishCommand(ctx context.Context, id string, result CommandResult) (models.RemediationCommand, error)
	// RetryableCommands lists failed commands with retries left and next_retry_at <= now.
	RetryableCommands(ctx context.Context, now time.Time, limit int) ([]models.RemediationCommand, error)
	// RearmCommand moves a failed command back to pending, incrementing retry_count and
	// clearing the previous attempt, when retry_count still equals observedRetryCount.
	RearmCommand(ctx context.Context, id string, observedRetryCount int) (models.RemediationCommand, error)
	// StaleExecuting lists commands executing since before the cut-off.
	StaleExecuting(ctx context.Context, before time.Time, limit int) ([]models.RemediationCommand, error)
}

// Store is the full durable state of the engine.
type Store interface {
	ClusterStore
	TelemetryStore
	IssueStore
	PolicyStore
	ApprovalStore
	CommandStore
	Close() error
}

// StatusIn reports whether status is one of allowed.
func StatusIn[T comparable](status T, allowed []T) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}
