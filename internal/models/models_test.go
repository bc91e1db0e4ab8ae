package models

import (
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("expected %s > %s", ordered[i], ordered[i-1])
		}
	}
	if !SeverityHigh.AtLeast(SeverityHigh) {
		t.Fatalf("threshold must be inclusive")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Fatalf("medium must not satisfy high threshold")
	}
	if Severity("bogus").AtLeast(SeverityLow) {
		t.Fatalf("unknown severity must never satisfy a threshold")
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" HIGH ")
	if err != nil || sev != SeverityHigh {
		t.Fatalf("unexpected parse result %q, %v", sev, err)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestApprovalEffectiveLazyExpiry(t *testing.T) {
	now := time.Now()
	req := ApprovalRequest{Status: ApprovalPending, ExpiresAt: now.Add(-time.Second)}
	if got := req.Effective(now).Status; got != ApprovalExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	req.Status = ApprovalRejected
	if got := req.Effective(now).Status; got != ApprovalRejected {
		t.Fatalf("terminal status must not change, got %s", got)
	}
}

func TestCommandRetryable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	cmd := RemediationCommand{Status: CommandFailed, RetryCount: 1, MaxRetries: 3, NextRetryAt: &past}
	if !cmd.Retryable(now) {
		t.Fatalf("expected command to be retryable")
	}
	cmd.RetryCount = 3
	if cmd.Retryable(now) || !cmd.Exhausted() {
		t.Fatalf("exhausted command must not be retryable")
	}
	zero := RemediationCommand{Status: CommandFailed, MaxRetries: 0}
	if !zero.Exhausted() {
		t.Fatalf("max_retries=0 failure must be terminal")
	}
}
