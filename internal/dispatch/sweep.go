package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// SweepResult tallies one retry sweep.
type SweepResult struct {
	Retried         int `json:"retried"`
	Skipped         int `json:"skipped"`
	FailedToRequeue int `json:"failed_to_requeue"`
	TimedOut        int `json:"timed_out"`
}

// Sweep recovers commands stuck in executing past the execution timeout, then re-arms every
// failed command whose retry is due. Overlapping sweeps are safe: each re-arm is conditional on
// the retry_count observed at selection, so only one sweep wins per command.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	const op = "dispatch.Sweep"
	now := d.clock()
	var res SweepResult

	stale, err := d.commands.StaleExecuting(ctx, now.Add(-d.opts.ExecutionTimeout), d.opts.SweepBatch)
	if err != nil {
		return res, utils.Transient(op, "list stale commands", err)
	}
	for _, cmd := range stale {
		msg := fmt.Sprintf("no result reported within %s", d.opts.ExecutionTimeout)
		if _, err := d.fail(ctx, cmd, msg, "", now); err != nil {
			if utils.KindOf(err) != utils.KindConflict {
				d.logger.Warn("time out stale command", slog.String("command_id", cmd.ID), slog.Any("error", err))
			}
			continue
		}
		res.TimedOut++
	}

	due, err := d.commands.RetryableCommands(ctx, now, d.opts.SweepBatch)
	if err != nil {
		return res, utils.Transient(op, "list retryable commands", err)
	}
	for _, cmd := range due {
		rearmed, err := d.commands.RearmCommand(ctx, cmd.ID, cmd.RetryCount)
		switch {
		case err == nil:
			res.Retried++
			metrics.CommandTransition(string(models.CommandPending))
			notify.Send(ctx, d.notifier, d.logger, notify.Event{
				Type:      notify.EventCommandRetry,
				ClusterID: rearmed.ClusterID,
				SubjectID: rearmed.ID,
				Message:   fmt.Sprintf("%s retry %d of %d", rearmed.CommandType, rearmed.RetryCount, rearmed.MaxRetries),
				Attributes: map[string]string{
					"issue_id":       rearmed.IssueID,
					"previous_error": cmd.ErrorMessage,
				},
				OccurredAt: now,
			})
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			res.Skipped++
		default:
			res.FailedToRequeue++
			d.logger.Warn("re-arm command", slog.String("command_id", cmd.ID), slog.Any("error", err))
		}
	}

	metrics.ObserveRetrySweep(res.Retried, res.Skipped, res.FailedToRequeue)
	if res.Retried+res.Skipped+res.FailedToRequeue+res.TimedOut > 0 {
		d.logger.Info("retry sweep finished",
			slog.Int("retried", res.Retried),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed_to_requeue", res.FailedToRequeue),
			slog.Int("timed_out", res.TimedOut),
		)
	}
	return res, nil
}
