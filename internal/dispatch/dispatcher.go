// Package dispatch owns the remediation command queue: creation, agent hand-off, result
// recording and the retry sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// Options tunes the dispatcher and its retry sweep.
type Options struct {
	MaxRetries       int
	Backoff          Backoff
	ExecutionTimeout time.Duration
	SweepBatch       int
	FetchLimit       int
	Clock            utils.Clock
	Logger           *slog.Logger
}

// Spec describes a command to enqueue. A non-empty ID makes Enqueue idempotent.
type Spec struct {
	ID          string
	ClusterID   string
	IssueID     string
	ApprovalID  string
	CommandType string
	Params      map[string]string
}

// Report is the agent's outcome for one command.
type Report struct {
	Status       models.CommandStatus
	Result       string
	ErrorMessage string
}

// Dispatcher creates commands, hands them to agents and records their results.
type Dispatcher struct {
	commands store.CommandStore
	issues   store.IssueStore
	notifier notify.Notifier
	opts     Options
	clock    utils.Clock
	logger   *slog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(commands store.CommandStore, issues store.IssueStore, notifier notify.Notifier, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 10 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		commands: commands,
		issues:   issues,
		notifier: notifier,
		opts:     opts,
		clock:    opts.Clock.OrSystem(),
		logger:   logger,
	}
}

// Enqueue creates a pending command. When spec.ID names an existing command, that command
// is returned with created=false.
func (d *Dispatcher) Enqueue(ctx context.Context, spec Spec) (models.RemediationCommand, bool, error) {
	const op = "dispatch.Enqueue"
	if spec.ClusterID == "" || spec.CommandType == "" {
		return models.RemediationCommand{}, false, utils.Validation(op, "cluster_id and command_type are required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	params := spec.Params
	if params == nil {
		params = map[string]string{}
	}
	cmd := models.RemediationCommand{
		ID:          id,
		ClusterID:   spec.ClusterID,
		IssueID:     spec.IssueID,
		ApprovalID:  spec.ApprovalID,
		CommandType: spec.CommandType,
		Params:      params,
		Status:      models.CommandPending,
		MaxRetries:  d.opts.MaxRetries,
		CreatedAt:   d.clock(),
	}

	err := d.commands.CreateCommand(ctx, cmd)
	switch {
	case err == nil:
		metrics.CommandTransition(string(models.CommandPending))
		d.logger.Info("command enqueued",
			slog.String("command_id", cmd.ID),
			slog.String("cluster_id", cmd.ClusterID),
			slog.String("command_type", cmd.CommandType),
		)
		return cmd, true, nil
	case errors.Is(err, store.ErrConflict) && spec.ID != "":
		existing, getErr := d.commands.GetCommand(ctx, spec.ID)
		if getErr != nil {
			return models.RemediationCommand{}, false, utils.Transient(op, "load existing command", getErr)
		}
		return existing, false, nil
	default:
		return models.RemediationCommand{}, false, utils.Transient(op, "create command", err)
	}
}

// Fetch claims up to limit pending commands of a cluster for its agent.
func (d *Dispatcher) Fetch(ctx context.Context, clusterID string, limit int) ([]models.RemediationCommand, error) {
	const op = "dispatch.Fetch"
	if clusterID == "" {
		return nil, utils.Validation(op, "cluster_id is required")
	}
	if limit <= 0 || limit > d.opts.FetchLimit {
		limit = d.opts.FetchLimit
	}
	claimed, err := d.commands.ClaimCommands(ctx, clusterID, limit, d.clock())
	if err != nil {
		return nil, utils.Transient(op, "claim commands", err)
	}
	for range claimed {
		metrics.CommandTransition(string(models.CommandExecuting))
	}
	return claimed, nil
}

// Report records an agent outcome. Only executing commands accept one; re-reporting the
// status a command already holds is a no-op.
func (d *Dispatcher) Report(ctx context.Context, clusterID, commandID string, report Report) (models.RemediationCommand, error) {
	const op = "dispatch.Report"
	if report.Status != models.CommandCompleted && report.Status != models.CommandFailed {
		return models.RemediationCommand{}, utils.Validation(op, "status must be completed or failed")
	}

	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RemediationCommand{}, utils.NotFound(op, "unknown command "+commandID)
		}
		return models.RemediationCommand{}, utils.Transient(op, "load command", err)
	}
	if cmd.ClusterID != clusterID {
		return models.RemediationCommand{}, utils.Forbidden(op, "command belongs to another cluster")
	}
	if cmd.Status != models.CommandExecuting {
		if cmd.Status == report.Status {
			return cmd, nil
		}
		return cmd, utils.NewKindError(utils.KindConflict, op, fmt.Sprintf("command is %s, not executing", cmd.Status), store.ErrConflict)
	}

	now := d.clock()
	if report.Status == models.CommandCompleted {
		return d.complete(ctx, cmd, report.Result, now)
	}
	msg := report.ErrorMessage
	if msg == "" {
		msg = "agent reported failure"
	}
	return d.fail(ctx, cmd, msg, report.Result, now)
}

func (d *Dispatcher) complete(ctx context.Context, cmd models.RemediationCommand, result string, now time.Time) (models.RemediationCommand, error) {
	const op = "dispatch.Report"
	done, err := d.commands.FinishCommand(ctx, cmd.ID, store.CommandResult{
		Status:      models.CommandCompleted,
		Result:      result,
		CompletedAt: now,
	})
	if err != nil {
		return d.finishError(ctx, op, cmd.ID, err)
	}
	metrics.CommandTransition(string(models.CommandCompleted))

	if done.IssueID != "" {
		_, err := d.issues.TransitionIssue(ctx, done.IssueID,
			[]models.IssueStatus{models.IssueActive, models.IssueInvestigating}, models.IssueMitigated, now)
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("mark issue mitigated", slog.String("issue_id", done.IssueID), slog.Any("error", err))
		}
	}
	notify.Send(ctx, d.notifier, d.logger, notify.Event{
		Type:       notify.EventCommandCompleted,
		ClusterID:  done.ClusterID,
		SubjectID:  done.ID,
		Message:    done.CommandType + " completed",
		Attributes: map[string]string{"issue_id": done.IssueID},
		OccurredAt: now,
	})
	return done, nil
}

// fail records a failed attempt. With retries left the command gets a next_retry_at; without
// it is terminal and surfaced as a failure.
func (d *Dispatcher) fail(ctx context.Context, cmd models.RemediationCommand, msg, result string, now time.Time) (models.RemediationCommand, error) {
	const op = "dispatch.Report"
	var next *time.Time
	if cmd.RetryCount < cmd.MaxRetries {
		next = utils.TimePtr(now.Add(d.opts.Backoff.Delay(cmd.RetryCount)))
	}
	failed, err := d.commands.FinishCommand(ctx, cmd.ID, store.CommandResult{
		Status:       models.CommandFailed,
		Result:       result,
		ErrorMessage: msg,
		NextRetryAt:  next,
		CompletedAt:  now,
	})
	if err != nil {
		return d.finishError(ctx, op, cmd.ID, err)
	}
	metrics.CommandTransition(string(models.CommandFailed))

	if failed.Exhausted() {
		d.logger.Warn("command failed permanently",
			slog.String("command_id", failed.ID),
			slog.String("cluster_id", failed.ClusterID),
			slog.Int("retry_count", failed.RetryCount),
			slog.String("error", failed.ErrorMessage),
		)
		notify.Send(ctx, d.notifier, d.logger, notify.Event{
			Type:       notify.EventCommandFailed,
			ClusterID:  failed.ClusterID,
			SubjectID:  failed.ID,
			Severity:   models.SeverityHigh,
			Message:    failed.CommandType + " failed: " + failed.ErrorMessage,
			Attributes: map[string]string{"issue_id": failed.IssueID, "retry_count": fmt.Sprint(failed.RetryCount)},
			OccurredAt: now,
		})
	}
	return failed, nil
}

func (d *Dispatcher) finishError(ctx context.Context, op, id string, err error) (models.RemediationCommand, error) {
	if errors.Is(err, store.ErrConflict) {
		current, getErr := d.commands.GetCommand(ctx, id)
		if getErr == nil {
			return current, utils.NewKindError(utils.KindConflict, op, fmt.Sprintf("command is %s, not executing", current.Status), err)
		}
		return models.RemediationCommand{}, utils.NewKindError(utils.KindConflict, op, "command changed concurrently", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return models.RemediationCommand{}, utils.NotFound(op, "unknown command "+id)
	}
	return models.RemediationCommand{}, utils.Transient(op, "record command result", err)
}
