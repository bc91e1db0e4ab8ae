package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

type clusterRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Name       string    `gorm:"size:255"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	LastSeenAt *time.Time
}

func (clusterRow) TableName() string { return "clusters" }

func clusterFromModel(c models.Cluster) clusterRow {
	return clusterRow{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt.UTC(), LastSeenAt: nullableTime(c.LastSeenAt)}
}

func (r clusterRow) toModel() models.Cluster {
	return models.Cluster{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.UTC(), LastSeenAt: derefTime(r.LastSeenAt)}
}

type credentialRow struct {
	TokenHash  string `gorm:"primaryKey;size:64"`
	ClusterID  string `gorm:"size:64;index"`
	Active     bool
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	LastSeenAt *time.Time
}

func (credentialRow) TableName() string { return "credentials" }

func credentialFromModel(c models.Credential) credentialRow {
	return credentialRow{
		TokenHash:  c.TokenHash,
		ClusterID:  c.ClusterID,
		Active:     c.Active,
		CreatedAt:  c.CreatedAt.UTC(),
		LastSeenAt: nullableTime(c.LastSeenAt),
	}
}

func (r credentialRow) toModel() models.Credential {
	return models.Credential{
		TokenHash:  r.TokenHash,
		ClusterID:  r.ClusterID,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt.UTC(),
		LastSeenAt: derefTime(r.LastSeenAt),
	}
}

type telemetryRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	ClusterID   string    `gorm:"size:64;index:idx_telemetry_window,priority:1"`
	Kind        string    `gorm:"size:32"`
	Payload     []byte    `gorm:"type:longblob"`
	CollectedAt time.Time `gorm:"index:idx_telemetry_window,priority:2"`
	ReceivedAt  time.Time
}

func (telemetryRow) TableName() string { return "telemetry_records" }

func telemetryFromModel(r models.TelemetryRecord) telemetryRow {
	return telemetryRow{
		ID:          r.ID,
		ClusterID:   r.ClusterID,
		Kind:        r.Kind,
		Payload:     []byte(r.Payload),
		CollectedAt: r.CollectedAt.UTC(),
		ReceivedAt:  r.ReceivedAt.UTC(),
	}
}

func (r telemetryRow) toModel() models.TelemetryRecord {
	return models.TelemetryRecord{
		ID:          r.ID,
		ClusterID:   r.ClusterID,
		Kind:        r.Kind,
		Payload:     json.RawMessage(r.Payload),
		CollectedAt: r.CollectedAt.UTC(),
		ReceivedAt:  r.ReceivedAt.UTC(),
	}
}

type issueRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	ClusterID         string    `gorm:"size:64;index"`
	Kind              string    `gorm:"size:64"`
	Category          string    `gorm:"size:64"`
	Severity          string    `gorm:"size:16"`
	Status            string    `gorm:"size:32;index"`
	DedupKey          string    `gorm:"size:64;index"`
	ResourceKind      string    `gorm:"size:64"`
	ResourceNamespace string    `gorm:"size:255"`
	ResourceName      string    `gorm:"size:255"`
	ResourceNode      string    `gorm:"size:255"`
	Title             string    `gorm:"size:512"`
	Evidence          []string  `gorm:"serializer:json;type:text"`
	Analysis          string    `gorm:"type:text"`
	Recommendation    string    `gorm:"type:text"`
	DetectedAt        time.Time `gorm:"index"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (issueRow) TableName() string { return "issues" }

func issueFromModel(i models.Issue) issueRow {
	return issueRow{
		ID:                i.ID,
		ClusterID:         i.ClusterID,
		Kind:              i.Kind,
		Category:          i.Category,
		Severity:          string(i.Severity),
		Status:            string(i.Status),
		DedupKey:          i.DedupKey,
		ResourceKind:      i.Resource.Kind,
		ResourceNamespace: i.Resource.Namespace,
		ResourceName:      i.Resource.Name,
		ResourceNode:      i.Resource.Node,
		Title:             i.Title,
		Evidence:          i.Evidence,
		Analysis:          i.Analysis,
		Recommendation:    i.Recommendation,
		DetectedAt:        i.DetectedAt.UTC(),
		UpdatedAt:         i.UpdatedAt.UTC(),
	}
}

func (r issueRow) toModel() models.Issue {
	return models.Issue{
		ID:        r.ID,
		ClusterID: r.ClusterID,
		Kind:      r.Kind,
		Category:  r.Category,
		Severity:  models.Severity(r.Severity),
		Status:    models.IssueStatus(r.Status),
		DedupKey:  r.DedupKey,
		Resource: models.Resource{
			Kind:      r.ResourceKind,
			Namespace: r.ResourceNamespace,
			Name:      r.ResourceName,
			Node:      r.ResourceNode,
		},
		Title:          r.Title,
		Evidence:       r.Evidence,
		Analysis:       r.Analysis,
		Recommendation: r.Recommendation,
		DetectedAt:     r.DetectedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type policyRow struct {
	ClusterID         string `gorm:"primaryKey;size:64"`
	Enabled           bool
	CategoryAutoApply map[string]bool `gorm:"serializer:json;type:text"`
	SeverityThreshold string          `gorm:"size:16"`
	RequireApproval   bool
	ApprovalTimeout   int64
	ScanInterval      int64
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
	UpdatedBy         string    `gorm:"size:255"`
}

func (policyRow) TableName() string { return "policies" }

func policyFromModel(p models.Policy) policyRow {
	return policyRow{
		ClusterID:         p.ClusterID,
		Enabled:           p.Enabled,
		CategoryAutoApply: p.CategoryAutoApply,
		SeverityThreshold: string(p.SeverityThreshold),
		RequireApproval:   p.RequireApproval,
		ApprovalTimeout:   int64(p.ApprovalTimeout),
		ScanInterval:      int64(p.ScanInterval),
		UpdatedAt:         p.UpdatedAt.UTC(),
		UpdatedBy:         p.UpdatedBy,
	}
}

func (r policyRow) toModel() models.Policy {
	flags := r.CategoryAutoApply
	if flags == nil {
		flags = map[string]bool{}
	}
	return models.Policy{
		ClusterID:         r.ClusterID,
		Enabled:           r.Enabled,
		CategoryAutoApply: flags,
		SeverityThreshold: models.Severity(r.SeverityThreshold),
		RequireApproval:   r.RequireApproval,
		ApprovalTimeout:   time.Duration(r.ApprovalTimeout),
		ScanInterval:      time.Duration(r.ScanInterval),
		UpdatedAt:         r.UpdatedAt.UTC(),
		UpdatedBy:         r.UpdatedBy,
	}
}

type approvalRow struct {
	ID               string            `gorm:"primaryKey;size:64"`
	ClusterID        string            `gorm:"size:64;index"`
	IssueID          string            `gorm:"size:64;index"`
	ActionType       string            `gorm:"size:64"`
	ActionParams     map[string]string `gorm:"serializer:json;type:text"`
	Status           string            `gorm:"size:16;index"`
	CreatedAt        time.Time         `gorm:"autoCreateTime:false"`
	ExpiresAt        time.Time         `gorm:"index"`
	RespondedAt      *time.Time
	ResponderChannel string `gorm:"size:16"`
	Responder        string `gorm:"size:255"`
	CommandID        string `gorm:"size:64"`
	// PendingKey is cluster|issue while pending and NULL otherwise; the unique index
	// allows at most one pending request per pair.
	PendingKey *string `gorm:"size:140;uniqueIndex"`
}

func (approvalRow) TableName() string { return "approval_requests" }

func pendingKey(clusterID, issueID string) string { return clusterID + "|" + issueID }

func approvalFromModel(a models.ApprovalRequest) approvalRow {
	row := approvalRow{
		ID:               a.ID,
		ClusterID:        a.ClusterID,
		IssueID:          a.IssueID,
		ActionType:       a.ActionType,
		ActionParams:     a.ActionParams,
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt.UTC(),
		ExpiresAt:        a.ExpiresAt.UTC(),
		RespondedAt:      a.RespondedAt,
		ResponderChannel: string(a.ResponderChannel),
		Responder:        a.Responder,
		CommandID:        a.CommandID,
	}
	if a.Status == models.ApprovalPending {
		key := pendingKey(a.ClusterID, a.IssueID)
		row.PendingKey = &key
	}
	return row
}

func (r approvalRow) toModel() models.ApprovalRequest {
	return models.ApprovalRequest{
		ID:               r.ID,
		ClusterID:        r.ClusterID,
		IssueID:          r.IssueID,
		ActionType:       r.ActionType,
		ActionParams:     r.ActionParams,
		Status:           models.ApprovalStatus(r.Status),
		CreatedAt:        r.CreatedAt.UTC(),
		ExpiresAt:        r.ExpiresAt.UTC(),
		RespondedAt:      utcPtr(r.RespondedAt),
		ResponderChannel: models.ResponseChannel(r.ResponderChannel),
		Responder:        r.Responder,
		CommandID:        r.CommandID,
	}
}

type commandRow struct {
	ID           string            `gorm:"primaryKey;size:64"`
	ClusterID    string            `gorm:"size:64;index:idx_command_queue,priority:1"`
	IssueID      string            `gorm:"size:64;index"`
	ApprovalID   string            `gorm:"size:64;index"`
	CommandType  string            `gorm:"size:64"`
	Params       map[string]string `gorm:"serializer:json;type:text"`
	Status       string            `gorm:"size:16;index:idx_command_queue,priority:2"`
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time `gorm:"index"`
	Result       string     `gorm:"type:text"`
	ErrorMessage string     `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false"`
	ExecutedAt   *time.Time
	CompletedAt  *time.Time
}

func (commandRow) TableName() string { return "remediation_commands" }

func commandFromModel(c models.RemediationCommand) commandRow {
	return commandRow{
		ID:           c.ID,
		ClusterID:    c.ClusterID,
		IssueID:      c.IssueID,
		ApprovalID:   c.ApprovalID,
		CommandType:  c.CommandType,
		Params:       c.Params,
		Status:       string(c.Status),
		RetryCount:   c.RetryCount,
		MaxRetries:   c.MaxRetries,
		NextRetryAt:  c.NextRetryAt,
		Result:       c.Result,
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt.UTC(),
		ExecutedAt:   c.ExecutedAt,
		CompletedAt:  c.CompletedAt,
	}
}

func (r commandRow) toModel() models.RemediationCommand {
	return models.RemediationCommand{
		ID:           r.ID,
		ClusterID:    r.ClusterID,
		IssueID:      r.IssueID,
		ApprovalID:   r.ApprovalID,
		CommandType:  r.CommandType,
		Params:       r.Params,
		Status:       models.CommandStatus(r.Status),
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		NextRetryAt:  utcPtr(r.NextRetryAt),
		Result:       r.Result,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC(),
		ExecutedAt:   utcPtr(r.ExecutedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
