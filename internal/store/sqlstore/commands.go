package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
)

func (s *Store) CreateCommand(ctx context.Context, cmd models.RemediationCommand) error {
	row := commandFromModel(cmd)
	return translate(s.db.WithContext(ctx).Create(&row).Error, "create command "+cmd.ID)
}

func (s *Store) GetCommand(ctx context.Context, id string) (models.RemediationCommand, error) {
	var row commandRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return models.RemediationCommand{}, translate(err, "get command "+id)
	}
	return row.toModel(), nil
}

func commandModels(rows []commandRow) []models.RemediationCommand {
	cmds := make([]models.RemediationCommand, 0, len(rows))
	for _, row := range rows {
		cmds = append(cmds, row.toModel())
	}
	return cmds
}

func (s *Store) ListCommands(ctx context.Context, filter store.CommandFilter) ([]models.RemediationCommand, error) {
	q := s.db.WithContext(ctx).Model(&commandRow{})
	if filter.ClusterID != "" {
		q = q.Where("cluster_id = ?", filter.ClusterID)
	}
	if filter.IssueID != "" {
		q = q.Where("issue_id = ?", filter.IssueID)
	}
	if filter.ApprovalID != "" {
		q = q.Where("approval_id = ?", filter.ApprovalID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []commandRow
	if err := applyLimit(q.Order("created_at DESC"), filter.Limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "list commands")
	}
	return commandModels(rows), nil
}

// ClaimCommands selects candidates and then claims each with a conditional update, so
// overlapping claimers never hand the same command to two agents.
func (s *Store) ClaimCommands(ctx context.Context, clusterID string, limit int, now time.Time) ([]models.RemediationCommand, error) {
	var claimed []commandRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []commandRow
		q := tx.Where("cluster_id = ? AND status = ?", clusterID, string(models.CommandPending)).
			Order("created_at ASC, id ASC")
		if err := applyLimit(q, limit).Find(&candidates).Error; err != nil {
			return err
		}
		executedAt := now.UTC()
		for _, row := range candidates {
			res := tx.Model(&commandRow{}).
				Where("id = ? AND status = ?", row.ID, string(models.CommandPending)).
				Updates(map[string]any{"status": string(models.CommandExecuting), "executed_at": executedAt})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			row.Status = string(models.CommandExecuting)
			row.ExecutedAt = &executedAt
			claimed = append(claimed, row)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err, "claim commands")
	}
	return commandModels(claimed), nil
}

func (s *Store) FinishCommand(ctx context.Context, id string, result store.CommandResult) (models.RemediationCommand, error) {
	res := s.db.WithContext(ctx).Model(&commandRow{}).
		Where("id = ? AND status = ?", id, string(models.CommandExecuting)).
		Updates(map[string]any{
			"status":        string(result.Status),
			"result":        result.Result,
			"error_message": result.ErrorMessage,
			"next_retry_at": utcPtr(result.NextRetryAt),
			"completed_at":  result.CompletedAt.UTC(),
		})
	if err := s.conditional(ctx, &commandRow{}, id, res, "finish command "+id); err != nil {
		return models.RemediationCommand{}, err
	}
	return s.GetCommand(ctx, id)
}

func (s *Store) RetryableCommands(ctx context.Context, now time.Time, limit int) ([]models.RemediationCommand, error) {
	var rows []commandRow
	q := s.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			string(models.CommandFailed), now.UTC()).
		Order("next_retry_at ASC")
	if err := applyLimit(q, limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "retryable commands")
	}
	return commandModels(rows), nil
}

func (s *Store) RearmCommand(ctx context.Context, id string, observedRetryCount int) (models.RemediationCommand, error) {
	res := s.db.WithContext(ctx).Model(&commandRow{}).
		Where("id = ? AND status = ? AND retry_count = ? AND retry_count < max_retries",
			id, string(models.CommandFailed), observedRetryCount).
		Updates(map[string]any{
			"status":        string(models.CommandPending),
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": nil,
			"result":        "",
			"error_message": "",
			"executed_at":   nil,
			"completed_at":  nil,
		})
	if err := s.conditional(ctx, &commandRow{}, id, res, "rearm command "+id); err != nil {
		return models.RemediationCommand{}, err
	}
	return s.GetCommand(ctx, id)
}

func (s *Store) StaleExecuting(ctx context.Context, before time.Time, limit int) ([]models.RemediationCommand, error) {
	var rows []commandRow
	q := s.db.WithContext(ctx).
		Where("status = ? AND executed_at < ?", string(models.CommandExecuting), before.UTC()).
		Order("created_at ASC")
	if err := applyLimit(q, limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "stale executing commands")
	}
	return commandModels(rows), nil
}
