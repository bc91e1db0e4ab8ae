package models

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExecuted ApprovalStatus = "executed"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further response can change the request.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalExecuted || s == ApprovalRejected || s == ApprovalExpired
}

// Decision is an operator's answer to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ResponseChannel records where the human response came from.
type ResponseChannel string

const (
	ChannelWeb   ResponseChannel = "web"
	ChannelAPI   ResponseChannel = "api"
	ChannelSlack ResponseChannel = "slack"
	ChannelCLI   ResponseChannel = "cli"
)

// ParseResponseChannel validates a response channel value.
func ParseResponseChannel(value string) (ResponseChannel, error) {
	ch := ResponseChannel(strings.ToLower(strings.TrimSpace(value)))
	switch ch {
	case ChannelWeb, ChannelAPI, ChannelSlack, ChannelCLI:
		return ch, nil
	}
	return "", fmt.Errorf("unknown response channel %q", value)
}

// ApprovalRequest is a bounded-lifetime human confirmation before a remediation runs.
type ApprovalRequest struct {
	ID               string            `json:"id"`
	ClusterID        string            `json:"cluster_id"`
	IssueID          string            `json:"issue_id"`
	ActionType       string            `json:"action_type"`
	ActionParams     map[string]string `json:"action_params"`
	Status           ApprovalStatus    `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	RespondedAt      *time.Time        `json:"responded_at,omitempty"`
	ResponderChannel ResponseChannel   `json:"responder_channel,omitempty"`
	Responder        string            `json:"responder,omitempty"`
	CommandID        string            `json:"command_id,omitempty"`
}

// Effective returns a copy whose status reflects lazy expiry at now.
func (a ApprovalRequest) Effective(now time.Time) ApprovalRequest {
	if a.Status == ApprovalPending && now.After(a.ExpiresAt) {
		a.Status = ApprovalExpired
	}
	return a
}
