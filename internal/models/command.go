package models

import "time"

// CommandStatus is the lifecycle state of a RemediationCommand.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// RemediationCommand is a unit of corrective work executed by the cluster agent.
type RemediationCommand struct {
	ID           string            `json:"id"`
	ClusterID    string            `json:"cluster_id"`
	IssueID      string            `json:"issue_id,omitempty"`
	ApprovalID   string            `json:"approval_id,omitempty"`
	CommandType  string            `json:"command_type"`
	Params       map[string]string `json:"params"`
	Status       CommandStatus     `json:"status"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	Result       string            `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Exhausted reports whether a failed command has no retries left.
func (c RemediationCommand) Exhausted() bool {
	return c.Status == CommandFailed && c.RetryCount >= c.MaxRetries
}

// Retryable reports whether the retry scheduler may re-arm the command at now.
func (c RemediationCommand) Retryable(now time.Time) bool {
	if c.Status != CommandFailed || c.RetryCount >= c.MaxRetries || c.NextRetryAt == nil {
		return false
	}
	return !c.NextRetryAt.After(now)
}
